package challenge_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haitrung/studyloop/internal/domain"
	"github.com/haitrung/studyloop/internal/errors"
)

func TestSubscribe_EmitsInitialViewSynchronously(t *testing.T) {
	t.Parallel()

	s := makeService(t)
	ctx := context.Background()
	ch := createFixture(t, s)

	var mu sync.Mutex
	var views []domain.Challenge

	sub, err := s.Subscribe(ctx, ch.Code, func(c domain.Challenge) {
		mu.Lock()
		views = append(views, c)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Dispose()

	// The first emit happens before Subscribe returns; a caller never starts
	// on "no data" when data exists.
	mu.Lock()
	require.Len(t, views, 1)
	require.Equal(t, ch.ChallengeID, views[0].ChallengeID)
	mu.Unlock()
}

func TestSubscribe_DeliversUpdates(t *testing.T) {
	t.Parallel()

	s := makeService(t)
	ctx := context.Background()
	ch := createFixture(t, s)

	var mu sync.Mutex
	var views []domain.Challenge

	sub, err := s.Subscribe(ctx, ch.Code, func(c domain.Challenge) {
		mu.Lock()
		views = append(views, c)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Dispose()

	// Let the change listeners attach before writing.
	time.Sleep(50 * time.Millisecond)

	_, err = s.ToggleTask(ctx, ch.ChallengeID, "T1", "u1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, v := range views {
			if v.Points.PointsByUser["u1"] == 10 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "the toggle must reach the live view")
}

// Disposal is the only teardown: cancelling the context Subscribe was called
// with must not leave the live view silently stale.
func TestSubscribe_SurvivesCallerContextCancel(t *testing.T) {
	t.Parallel()

	s := makeService(t)
	ch := createFixture(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var views []domain.Challenge

	sub, err := s.Subscribe(ctx, ch.Code, func(c domain.Challenge) {
		mu.Lock()
		views = append(views, c)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Dispose()

	// Let the change listeners attach, then drop the request context.
	time.Sleep(50 * time.Millisecond)
	cancel()

	_, err = s.ToggleTask(context.Background(), ch.ChallengeID, "T1", "u1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, v := range views {
			if v.Points.PointsByUser["u1"] == 10 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "the toggle must still reach the live view")
}

func TestSubscribe_DisposeStopsDelivery(t *testing.T) {
	t.Parallel()

	s := makeService(t)
	ctx := context.Background()
	ch := createFixture(t, s)

	var mu sync.Mutex
	count := 0

	sub, err := s.Subscribe(ctx, ch.Code, func(c domain.Challenge) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	sub.Dispose()

	_, err = s.ToggleTask(ctx, ch.ChallengeID, "T1", "u1")
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count, "only the initial emit; all listeners torn down together")
}

func TestSubscribe_UnknownCode(t *testing.T) {
	t.Parallel()

	s := makeService(t)

	_, err := s.Subscribe(context.Background(), "NOCODE", func(domain.Challenge) {})
	require.True(t, errors.Is(err, errors.CodeNotFound))
}
