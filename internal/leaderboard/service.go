// Package leaderboard maintains a ranked standings cache per challenge in a
// redis sorted set. It is a derived read model fed by points events; the
// authoritative totals always come from recomputation over the task list.
package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/haitrung/studyloop/internal/domain"
	"github.com/haitrung/studyloop/internal/errors"
	"github.com/haitrung/studyloop/internal/event"
)

// publishInterval throttles standings notifications: a burst of toggles on
// one challenge collapses into a single published update.
const publishInterval = 200 * time.Millisecond

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
}

type Service struct {
	eb     *event.Bus
	redis  redis.UniversalClient
	prefix string
}

func NewService(c Config) *Service {
	s := &Service{
		eb:     c.EventBus,
		redis:  c.Redis,
		prefix: c.Prefix,
	}

	s.eb.Subscribe(domain.EventNamePointsUpdated, func(ctx context.Context, e event.Event) error {
		return s.ApplyPoints(ctx, e.(domain.EventPointsUpdated))
	})

	return s
}

// GetStandings returns every participant with a recorded total, ranked by
// points in descending order.
func (s *Service) GetStandings(ctx context.Context, challengeID string) (*domain.Standings, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.standingsKey(challengeID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get standings: %w", err)
	}

	if len(res) == 0 {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("standings not found: challenge=%s", challengeID),
		)
	}

	entries := make([]domain.StandingsEntry, 0, len(res))
	for _, z := range res {
		entries = append(entries, domain.StandingsEntry{
			Username: z.Member.(string),
			Points:   int(z.Score),
		})
	}

	return &domain.Standings{
		ChallengeID: challengeID,
		Entries:     entries,
	}, nil
}

// ApplyPoints overwrites every participant's score from the points summary.
// The summary always carries the full participant set, so the sorted set
// never drifts from the document.
func (s *Service) ApplyPoints(ctx context.Context, e domain.EventPointsUpdated) error {
	members := make([]redis.Z, 0, len(e.Summary.PointsByUser))
	for user, pts := range e.Summary.PointsByUser {
		members = append(members, redis.Z{Score: float64(pts), Member: user})
	}
	if len(members) == 0 {
		return nil
	}

	if err := s.redis.ZAdd(ctx, s.standingsKey(e.ChallengeID), members...).Err(); err != nil {
		return fmt.Errorf("update standings: %w", err)
	}

	return s.schedulePublish(ctx, e.ChallengeID)
}

// schedulePublish publishes at most one standings notification per challenge
// per publishInterval. SetNX acts as a cheap cross-instance throttle.
func (s *Service) schedulePublish(ctx context.Context, challengeID string) error {
	ok, err := s.redis.SetNX(ctx, s.throttleKey(challengeID), time.Now().UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	return s.publish(ctx, challengeID)
}

func (s *Service) publish(ctx context.Context, challengeID string) error {
	st, err := s.GetStandings(ctx, challengeID)
	if err != nil {
		return fmt.Errorf("standings failed: challenge=%s: %w", challengeID, err)
	}

	s.eb.Publish(ctx, domain.EventStandingsUpdated{
		Standings: *st,
	})

	return nil
}

func (s *Service) standingsKey(challengeID string) string {
	return fmt.Sprintf("%s:%s:standings", s.prefix, challengeID)
}

func (s *Service) throttleKey(challengeID string) string {
	return fmt.Sprintf("%s:%s:standings-pub", s.prefix, challengeID)
}
