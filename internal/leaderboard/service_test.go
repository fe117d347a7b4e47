package leaderboard_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/haitrung/studyloop/internal/domain"
	"github.com/haitrung/studyloop/internal/errors"
	"github.com/haitrung/studyloop/internal/event"
	"github.com/haitrung/studyloop/internal/leaderboard"
)

func TestService_ApplyPoints(t *testing.T) {
	s := makeService(t)

	err := s.ApplyPoints(context.Background(), domain.EventPointsUpdated{
		ChallengeID:  "c1",
		Participants: []string{"u1", "u2"},
		Summary: domain.PointsSummary{
			PointsByUser: map[string]int{"u1": 0, "u2": 30},
			MaxPoints:    30,
		},
	})
	require.NoError(t, err)

	got, err := s.GetStandings(context.Background(), "c1")
	require.NoError(t, err)

	want := &domain.Standings{
		ChallengeID: "c1",
		Entries: []domain.StandingsEntry{
			{Username: "u2", Points: 30},
			{Username: "u1", Points: 0},
		},
	}
	require.Equal(t, want, got)
}

func TestService_ApplyPointsOverwrites(t *testing.T) {
	s := makeService(t)
	ctx := context.Background()

	for _, pts := range []int{10, 0} {
		err := s.ApplyPoints(ctx, domain.EventPointsUpdated{
			ChallengeID: "c1",
			Summary: domain.PointsSummary{
				PointsByUser: map[string]int{"u1": pts},
			},
		})
		require.NoError(t, err)
	}

	got, err := s.GetStandings(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []domain.StandingsEntry{{Username: "u1", Points: 0}}, got.Entries,
		"an un-toggle must lower the cached standing, not keep the maximum")
}

func TestService_GetStandingsNotFound(t *testing.T) {
	s := makeService(t)

	_, err := s.GetStandings(context.Background(), "missing")
	require.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestService_PublishThrottling(t *testing.T) {
	type (
		inputs struct {
			receivedEvents []domain.EventPointsUpdated
		}

		outputs struct {
			publishedEvents []domain.EventStandingsUpdated
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"one points update publishes one standings event": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventPointsUpdated{
						{
							ChallengeID: "c1",
							Summary: domain.PointsSummary{
								PointsByUser: map[string]int{"u1": 10},
							},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1)
				require.Equal(t, domain.Standings{
					ChallengeID: "c1",
					Entries:     []domain.StandingsEntry{{Username: "u1", Points: 10}},
				}, out.publishedEvents[0].Standings)
			},
		},

		"updates for two challenges publish two events": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventPointsUpdated{
						{
							ChallengeID: "c1",
							Summary:     domain.PointsSummary{PointsByUser: map[string]int{"u1": 10}},
						},
						{
							ChallengeID: "c2",
							Summary:     domain.PointsSummary{PointsByUser: map[string]int{"u2": 20}},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 2)
			},
		},

		"a burst on one challenge collapses into one event": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventPointsUpdated{
						{
							ChallengeID: "c1",
							Summary:     domain.PointsSummary{PointsByUser: map[string]int{"u1": 10}},
						},
						{
							ChallengeID: "c1",
							Summary:     domain.PointsSummary{PointsByUser: map[string]int{"u1": 20}},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in, out := tt.arrange(), outputs{}

			eb := event.NewBus()

			var mu sync.Mutex
			eb.Subscribe(domain.EventNameStandingsUpdated, func(ctx context.Context, e event.Event) error {
				mu.Lock()
				out.publishedEvents = append(out.publishedEvents, e.(domain.EventStandingsUpdated))
				mu.Unlock()
				return nil
			})

			s := makeService(t, withEventBus(eb))

			for _, e := range in.receivedEvents {
				err := s.ApplyPoints(context.Background(), e)
				require.NoError(t, err)
			}

			eb.Stop()

			tt.assert(t, out)
		})
	}
}

func makeService(t *testing.T, opts ...options) *leaderboard.Service {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	c := leaderboard.Config{
		EventBus: event.NewBus(),
		Redis:    rc,
		Prefix:   "test",
	}

	for _, opt := range opts {
		opt(&c)
	}

	return leaderboard.NewService(c)
}

type options func(c *leaderboard.Config)

func withEventBus(eb *event.Bus) options {
	return func(c *leaderboard.Config) {
		c.EventBus = eb
	}
}
