package storage_test

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
	"github.com/haitrung/studyloop/internal/storage"
)

func makeAdapter(t *testing.T) *storage.Adapter {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	t.Cleanup(func() { rc.Close() })
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	return storage.New(storage.Config{
		Redis:  rc,
		Prefix: "test",
	})
}

func fixture() domain.Challenge {
	return domain.Challenge{
		ChallengeID:  "c1",
		Code:         "AB12CD",
		Title:        "sprint",
		CreatedBy:    "u1",
		CreatedAt:    time.Unix(1, 0),
		Participants: []string{"u1"},
		Tasks: []domain.Task{
			{
				TaskID:      "t1",
				Title:       "read chapter one",
				Points:      10,
				Completions: map[string]domain.Completion{},
				CompletedBy: []string{},
			},
		},
		IsActive: true,
		Points: domain.PointsSummary{
			PointsByUser: map[string]int{"u1": 0},
			MaxPoints:    10,
		},
	}
}

func TestCreateChallenge_WritesAllRecords(t *testing.T) {
	t.Parallel()

	a := makeAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.CreateChallenge(ctx, fixture()))

	entry, err := a.ReadIndex(ctx, "AB12CD")
	require.NoError(t, err)
	require.Equal(t, storage.IndexEntry{ChallengeID: "c1", OwnerID: "u1"}, entry)

	owner, err := a.ReadOwnerOf(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "u1", owner)

	oc, err := a.ReadOwnerCopy(ctx, "u1", "c1")
	require.NoError(t, err)
	require.NotNil(t, oc)

	gc, err := a.ReadGlobalCopy(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, gc)
	require.Equal(t, oc, gc)
}

func TestCreateChallenge_CodeCollision(t *testing.T) {
	t.Parallel()

	a := makeAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.CreateChallenge(ctx, fixture()))

	dup := fixture()
	dup.ChallengeID = "c2"
	err := a.CreateChallenge(ctx, dup)
	require.True(t, errors.Is(err, errors.CodeAlreadyExists))
}

func TestReadIndex_NormalizesCase(t *testing.T) {
	t.Parallel()

	a := makeAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.CreateChallenge(ctx, fixture()))

	entry, err := a.ReadIndex(ctx, "  ab12cd ")
	require.NoError(t, err)
	require.Equal(t, "c1", entry.ChallengeID)
}

func TestRead_AbsentRecords(t *testing.T) {
	t.Parallel()

	a := makeAdapter(t)
	ctx := context.Background()

	c, err := a.ReadOwnerCopy(ctx, "u1", "nope")
	require.NoError(t, err, "an absent copy is not an error")
	require.Nil(t, c)

	_, err = a.ReadIndex(ctx, "NOCODE")
	require.True(t, errors.Is(err, errors.CodeNotFound))

	_, err = a.ReadOwnerOf(ctx, "nope")
	require.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestReadChallenge_RepairsDerivedFields(t *testing.T) {
	t.Parallel()

	a := makeAdapter(t)
	ctx := context.Background()

	now := time.Unix(100, 0)
	c := fixture()
	c.Tasks[0].Completions["u1"] = domain.Completion{Completed: true, CompletedAt: &now}
	c.Tasks[0].CompletedBy = []string{} // stale derived set
	require.NoError(t, a.WriteBoth(ctx, c))

	got, err := a.ReadGlobalCopy(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"u1"}, got.Tasks[0].CompletedBy)
}

func TestRunAtomic_AppliesMutation(t *testing.T) {
	t.Parallel()

	a := makeAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.CreateChallenge(ctx, fixture()))

	updated, err := a.RunAtomic(ctx, "c1", func(c *domain.Challenge) error {
		c.Participants = append(c.Participants, "u2")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"u1", "u2"}, updated.Participants)

	got, err := a.ReadGlobalCopy(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"u1", "u2"}, got.Participants)
}

func TestRunAtomic_MissingChallenge(t *testing.T) {
	t.Parallel()

	a := makeAdapter(t)

	_, err := a.RunAtomic(context.Background(), "nope", func(c *domain.Challenge) error {
		return nil
	})
	require.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestRunAtomic_PropagatesFnError(t *testing.T) {
	t.Parallel()

	a := makeAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.CreateChallenge(ctx, fixture()))

	want := errors.New(errors.CodeInvalidArgument)
	_, err := a.RunAtomic(ctx, "c1", func(c *domain.Challenge) error {
		return want
	})
	require.ErrorIs(t, err, want)

	got, err := a.ReadGlobalCopy(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"u1"}, got.Participants, "failed mutation must not write")
}

func TestListen_DeliversChangesUntilDisposed(t *testing.T) {
	t.Parallel()

	a := makeAdapter(t)
	ctx := context.Background()

	var mu sync.Mutex
	var changes []string
	sub := &storage.Subscription{}
	a.Listen(ctx, sub, func(key string) {
		mu.Lock()
		changes = append(changes, key)
		mu.Unlock()
	}, a.GlobalCopyKey("c1"))

	// Subscription setup races the first write without a small settle.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, a.WriteGlobalCopy(ctx, fixture()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sub.Dispose()

	require.NoError(t, a.WriteGlobalCopy(ctx, fixture()))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 1, "no delivery after dispose")
}

func TestSubscription_DisposeIsIdempotent(t *testing.T) {
	t.Parallel()

	calls := 0
	sub := &storage.Subscription{}
	sub.Add(func() { calls++ })

	sub.Dispose()
	sub.Dispose()
	require.Equal(t, 1, calls)

	// Adding after dispose tears down immediately.
	sub.Add(func() { calls++ })
	require.Equal(t, 2, calls)
}
