// Package guard enforces the single-writer rule for structural task changes:
// only the challenge owner may introduce new task ids.
package guard

import (
	"context"
	"log/slog"

	"github.com/haitrung/studyloop/internal/domain"
)

// Input describes one incoming task-list write.
type Input struct {
	// Known is the authoritative task-id set, the union over both stored
	// copies. KnownValid is false when neither copy could be read; in that
	// case the guard fails open and strips nothing, because stripping against
	// an unknown baseline would destroy data.
	Known      map[string]struct{}
	KnownValid bool

	Writer string
	Owner  string
}

// FilterTasks drops tasks whose id is new relative to the authoritative set
// unless the writer is the owner. Tasks with known ids always pass: any
// participant may update their own completion entry on an existing task.
// It returns the filtered list and the number of stripped tasks.
func FilterTasks(ctx context.Context, in Input, incoming []domain.Task) ([]domain.Task, int) {
	if !in.KnownValid {
		slog.WarnContext(ctx, "guard: authoritative task set unreadable, passing write through unfiltered",
			"writer", in.Writer,
			"tasks", len(incoming),
		)
		return incoming, 0
	}

	if in.Writer == in.Owner {
		return incoming, 0
	}

	out := incoming[:0:0]
	stripped := 0
	for _, t := range incoming {
		if _, ok := in.Known[t.TaskID]; !ok {
			stripped++
			continue
		}
		out = append(out, t)
	}

	if stripped > 0 {
		slog.WarnContext(ctx, "guard: stripped unauthorized new tasks",
			"writer", in.Writer,
			"owner", in.Owner,
			"stripped", stripped,
		)
	}

	return out, stripped
}
