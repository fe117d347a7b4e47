package challenge

import (
	"context"
	"log/slog"

	"github.com/haitrung/studyloop/internal/domain"
	"github.com/haitrung/studyloop/internal/errors"
	"github.com/haitrung/studyloop/internal/points"
	"github.com/haitrung/studyloop/internal/telemetry"
)

// ToggleResult is the outcome of one completion flip.
type ToggleResult struct {
	Challenge domain.Challenge
	Attempts  int
	// Fallback is set when transaction retries were exhausted and the flip
	// went through the non-atomic path instead. The toggle still succeeded;
	// a concurrent update may have been lost.
	Fallback bool
}

// ToggleTask flips userID's completion entry on the target task inside a
// single optimistic transaction on the global copy: flip, rebuild the derived
// completion set, recompute points, apply the freeze rule, write, all or
// nothing. Contention is retried with backoff; exhausted retries degrade to a
// best-effort read-modify-write so the user's action still lands.
func (s *Service) ToggleTask(ctx context.Context, challengeID, taskID, userID string) (*ToggleResult, error) {
	if userID == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("user is required"))
	}

	ownerID, err := s.store.ReadOwnerOf(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	mutate := func(c *domain.Challenge) error {
		t := c.TaskByID(taskID)
		if t == nil {
			return errors.New(errors.CodeNotFound,
				errors.WithMessagef("task not found: challenge=%s task=%s", challengeID, taskID),
			)
		}

		s.flip(t, userID)
		points.Refresh(c)
		return nil
	}

	res := &ToggleResult{}

	updated, attempts, err := s.updateAtomic(ctx, challengeID, ownerID, mutate)
	res.Attempts = attempts

	if errors.Is(err, errors.CodeConflict) {
		updated, err = s.toggleFallback(ctx, challengeID, mutate)
		res.Fallback = true
	}
	if err != nil {
		return nil, err
	}

	res.Challenge = *updated
	s.propagateOwnerCopy(ctx, *updated)
	s.publishPoints(ctx, *updated)
	return res, nil
}

// flip inverts the user's completion entry. Both directions stamp the write
// time: an un-toggle without a timestamp could not be ordered against a
// completed entry on the other copy, and the stale one would win on merge.
func (s *Service) flip(t *domain.Task, userID string) {
	now := s.now()
	t.Completions[userID] = domain.Completion{
		Completed:   !t.Completions[userID].Completed,
		CompletedAt: &now,
	}
	t.CompletedBy = domain.CompletedSet(t.Completions)
}

// toggleFallback trades atomicity for forward progress: a plain read-modify-
// write of the global copy after the transaction kept losing the race. The
// per-user completion entry makes this safe for the flip itself; the points
// summary may transiently reflect a lost concurrent update until the next
// recompute.
func (s *Service) toggleFallback(ctx context.Context, challengeID string, mutate func(*domain.Challenge) error) (*domain.Challenge, error) {
	telemetry.ToggleFallbacks.Inc()
	slog.WarnContext(ctx, "challenge: toggle retries exhausted, using non-atomic fallback",
		"challenge", challengeID,
	)

	c, err := s.store.ReadGlobalCopy(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("challenge not found: %s", challengeID),
		)
	}

	if err := mutate(c); err != nil {
		return nil, err
	}

	if err := s.store.WriteGlobalCopy(ctx, *c); err != nil {
		return nil, err
	}
	return c, nil
}
