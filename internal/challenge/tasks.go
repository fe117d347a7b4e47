package challenge

import (
	"context"

	"github.com/haitrung/studyloop/internal/domain"
	"github.com/haitrung/studyloop/internal/errors"
	"github.com/haitrung/studyloop/internal/guard"
	"github.com/haitrung/studyloop/internal/points"
	"github.com/haitrung/studyloop/internal/telemetry"
)

// AddTasksResult reports how the guard treated the write.
type AddTasksResult struct {
	Challenge domain.Challenge
	// Stripped counts tasks dropped because a non-owner tried to introduce
	// them. Stripping is silent: a rejected structural change must not fail
	// the rest of the write.
	Stripped int
}

// AddTasks applies a task-list write from writerID. New task ids pass only
// when the writer is the challenge owner; updates to existing tasks fold in
// the writer's own completion entry. The unauthorized portion of a payload is
// dropped, never raised as an error.
func (s *Service) AddTasks(ctx context.Context, challengeID, writerID string, specs []TaskSpec) (*AddTasksResult, error) {
	if writerID == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("writer is required"))
	}

	ownerID, err := s.store.ReadOwnerOf(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	incoming := make([]domain.Task, 0, len(specs))
	for _, spec := range specs {
		t, err := newTask(spec)
		if err != nil {
			return nil, err
		}
		incoming = append(incoming, t)
	}

	known, knownValid := s.authoritativeTaskIDs(ctx, challengeID, ownerID)

	filtered, stripped := guard.FilterTasks(ctx, guard.Input{
		Known:      known,
		KnownValid: knownValid,
		Writer:     writerID,
		Owner:      ownerID,
	}, incoming)
	if stripped > 0 {
		telemetry.StrippedTasks.Add(float64(stripped))
	}

	if len(filtered) == 0 {
		// Everything was stripped; surface the current view unchanged.
		current, err := s.loadMerged(ctx, challengeID, ownerID)
		if err != nil {
			return nil, err
		}
		return &AddTasksResult{Challenge: *current, Stripped: stripped}, nil
	}

	updated, _, err := s.updateAtomic(ctx, challengeID, ownerID, func(c *domain.Challenge) error {
		applyTasks(c, filtered, writerID)
		points.Refresh(c)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.propagateOwnerCopy(ctx, *updated)
	s.publishPoints(ctx, *updated)
	return &AddTasksResult{Challenge: *updated, Stripped: stripped}, nil
}

// applyTasks folds the guarded task list into c. Unknown ids append; known
// ids absorb only the writer's own completion entry, every other field of an
// existing task stays as stored.
func applyTasks(c *domain.Challenge, tasks []domain.Task, writerID string) {
	for _, in := range tasks {
		existing := c.TaskByID(in.TaskID)
		if existing == nil {
			c.Tasks = append(c.Tasks, in)
			continue
		}

		if cm, ok := in.Completions[writerID]; ok {
			existing.Completions[writerID] = cm
			existing.CompletedBy = domain.CompletedSet(existing.Completions)
		}
	}
}

// authoritativeTaskIDs unions the task ids of both stored copies. valid is
// false when neither copy could be consulted, which makes the guard fail open
// rather than strip against an unknown baseline.
func (s *Service) authoritativeTaskIDs(ctx context.Context, challengeID, ownerID string) (map[string]struct{}, bool) {
	owner, ownerErr := s.store.ReadOwnerCopy(ctx, ownerID, challengeID)
	global, globalErr := s.store.ReadGlobalCopy(ctx, challengeID)

	if ownerErr != nil && globalErr != nil {
		return nil, false
	}

	ids := make(map[string]struct{})
	for _, c := range []*domain.Challenge{owner, global} {
		if c == nil {
			continue
		}
		for id := range c.TaskIDs() {
			ids[id] = struct{}{}
		}
	}
	return ids, true
}
