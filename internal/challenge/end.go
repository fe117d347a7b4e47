package challenge

import (
	"context"
	"log/slog"

	"github.com/haitrung/studyloop/internal/domain"
	"github.com/haitrung/studyloop/internal/errors"
	"github.com/haitrung/studyloop/internal/points"
)

// EndChallenge transitions the challenge to its ended state: IsActive flips
// to false exactly once, the end date is recorded, winners are determined
// from the recomputed points, and the final snapshot is frozen, all in one
// transaction on the global copy. Ending an already ended challenge is an
// idempotent no-op, never an error.
//
// winnersHint is the caller's view of the winners; the recomputed set is
// authoritative and a diverging hint is only logged.
func (s *Service) EndChallenge(ctx context.Context, challengeID, writerID string, winnersHint []string) (*domain.Challenge, error) {
	ownerID, err := s.store.ReadOwnerOf(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if writerID != ownerID {
		return nil, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("only the owner may end a challenge: challenge=%s writer=%s", challengeID, writerID),
		)
	}

	ended := false
	updated, _, err := s.updateAtomic(ctx, challengeID, ownerID, func(c *domain.Challenge) error {
		if !c.IsActive {
			ended = false
			return nil
		}

		now := s.now()
		c.IsActive = false
		c.EndDate = &now

		points.Refresh(c)
		c.WinnerIDs = points.Winners(c.Points)
		ended = true

		if len(winnersHint) > 0 && !sameSet(winnersHint, c.WinnerIDs) {
			slog.WarnContext(ctx, "challenge: winner hint disagrees with computed winners",
				"challenge", challengeID,
				"hint", winnersHint,
				"computed", c.WinnerIDs,
			)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.propagateOwnerCopy(ctx, *updated)

	if ended {
		s.publishPoints(ctx, *updated)
		if s.eb != nil {
			s.eb.Publish(ctx, domain.EventChallengeEnded{Challenge: *updated})
		}
	}

	return updated, nil
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}
