// Package merge reconciles the two redundantly written copies of a challenge
// into one canonical view.
//
// The shapes involved were chosen so that union-merging is safe: the task-id
// set only ever grows and is authored solely by the owner, participants form a
// grow-only set, and each task's per-user completion entry is a last-writer
// register written by exactly one user. Scalars fall back to a deterministic
// owner-copy preference, which is a stable tie-break rather than a commutative
// merge.
package merge

import (
	"time"

	"github.com/haitrung/studyloop/internal/domain"
)

// Result carries the canonical view plus repair accounting for telemetry.
type Result struct {
	Challenge domain.Challenge
	// Repaired counts tasks whose derived CompletedBy disagreed with
	// Completions and was rebuilt during the merge.
	Repaired int
}

// Canonical merges the owner copy and the global copy of a challenge. Either
// input may be nil; ok is false only when both are. Inputs are not mutated.
func Canonical(owner, global *domain.Challenge) (Result, bool) {
	if owner == nil && global == nil {
		return Result{}, false
	}

	primary, secondary := owner, global
	if primary == nil {
		primary, secondary = global, nil
	}

	out := scalars(primary)

	if secondary == nil {
		out.Participants = append([]string(nil), primary.Participants...)
		out.Tasks = cloneTasks(primary.Tasks)
	} else {
		out.Participants = unionStrings(primary.Participants, secondary.Participants)
		out.Tasks = mergeTasks(primary.Tasks, secondary.Tasks)
		mergeSummary(&out, primary, secondary)
		mergeFinal(&out, primary, secondary)
	}

	repaired := out.Normalize()
	return Result{Challenge: out, Repaired: repaired}, true
}

// scalars seeds the canonical view with the preferred copy's scalar fields
// and its advisory aggregates; set-valued fields are filled in by the caller.
func scalars(c *domain.Challenge) domain.Challenge {
	return domain.Challenge{
		ChallengeID:       c.ChallengeID,
		Code:              c.Code,
		Title:             c.Title,
		Description:       c.Description,
		CreatedBy:         c.CreatedBy,
		CreatedAt:         c.CreatedAt,
		IsActive:          c.IsActive,
		EndDate:           c.EndDate,
		WinnerIDs:         append([]string(nil), c.WinnerIDs...),
		Points:            cloneSummary(c.Points),
		FinalPointsByUser: cloneIntMap(c.FinalPointsByUser),
		FinalMaxPoints:    cloneIntPtr(c.FinalMaxPoints),
	}
}

// mergeTasks unions two task lists by task id, keeping the primary list's
// display order and appending secondary-only tasks in their own order.
func mergeTasks(primary, secondary []domain.Task) []domain.Task {
	out := cloneTasks(primary)

	index := make(map[string]int, len(out))
	for i, t := range out {
		index[t.TaskID] = i
	}

	for _, st := range secondary {
		i, ok := index[st.TaskID]
		if !ok {
			out = append(out, cloneTask(st))
			continue
		}
		mergeCompletions(&out[i], st)
	}

	return out
}

// mergeCompletions folds the secondary copy's completion entries into dst.
// Scalar task fields stay as dst already has them (primary preference). For a
// user present in both copies the entry with the later CompletedAt wins; when
// timestamps cannot order them, the primary entry stands.
func mergeCompletions(dst *domain.Task, src domain.Task) {
	for u, theirs := range src.Completions {
		ours, ok := dst.Completions[u]
		if !ok {
			dst.Completions[u] = theirs
			continue
		}
		if later(theirs.CompletedAt, ours.CompletedAt) {
			dst.Completions[u] = theirs
		}
	}
	dst.CompletedBy = domain.CompletedSet(dst.Completions)
}

func later(a, b *time.Time) bool {
	if a == nil || b == nil {
		return false
	}
	return a.After(*b)
}

// mergeSummary prefers the advisory summary covering more distinct users.
// The value is only a cache; correctness comes from recomputing via the
// points package.
func mergeSummary(out, primary, secondary *domain.Challenge) {
	if len(secondary.Points.PointsByUser) > len(primary.Points.PointsByUser) {
		out.Points = cloneSummary(secondary.Points)
	}
}

// mergeFinal keeps whichever copy carries the frozen snapshot; once either
// copy has it, the merged view must as well.
func mergeFinal(out, primary, secondary *domain.Challenge) {
	if primary.Frozen() || !secondary.Frozen() {
		return
	}
	out.FinalPointsByUser = cloneIntMap(secondary.FinalPointsByUser)
	out.FinalMaxPoints = cloneIntPtr(secondary.FinalMaxPoints)
}

// unionStrings appends elements of b not already in a, preserving order.
func unionStrings(a, b []string) []string {
	out := append([]string(nil), a...)
	seen := make(map[string]struct{}, len(a))
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func cloneTasks(tasks []domain.Task) []domain.Task {
	out := make([]domain.Task, len(tasks))
	for i, t := range tasks {
		out[i] = cloneTask(t)
	}
	return out
}

func cloneTask(t domain.Task) domain.Task {
	c := t
	c.Completions = make(map[string]domain.Completion, len(t.Completions))
	for u, cm := range t.Completions {
		c.Completions[u] = cm
	}
	c.CompletedBy = append([]string(nil), t.CompletedBy...)
	return c
}

func cloneSummary(s domain.PointsSummary) domain.PointsSummary {
	return domain.PointsSummary{
		PointsByUser: cloneIntMap(s.PointsByUser),
		MaxPoints:    s.MaxPoints,
	}
}

func cloneIntMap(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
