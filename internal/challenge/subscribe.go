package challenge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/haitrung/studyloop/internal/domain"
	"github.com/haitrung/studyloop/internal/storage"
)

// Subscribe resolves a share code and delivers the canonical merged view of
// the challenge to cb: once synchronously before returning, so a caller with
// existing data never starts on "no data", and then again on every change to
// either copy or to the index record. The returned subscription tears down
// all listeners together.
//
// cb invocations are serialized; cb must not block for long.
func (s *Service) Subscribe(ctx context.Context, code string, cb func(domain.Challenge)) (*storage.Subscription, error) {
	entry, err := s.store.ReadIndex(ctx, code)
	if err != nil {
		return nil, err
	}

	initial, err := s.loadMerged(ctx, entry.ChallengeID, entry.OwnerID)
	if err != nil {
		return nil, err
	}

	sub := &storage.Subscription{}

	var mu sync.Mutex
	emit := func(c domain.Challenge) {
		mu.Lock()
		defer mu.Unlock()
		cb(c)
	}

	emit(*initial)

	// Listeners outlive the caller's ctx; Dispose is the only teardown. A
	// cancelled request context must not leave the live view silently stale.
	lctx := context.WithoutCancel(ctx)

	refresh := func(key string) {
		view, err := s.loadMerged(lctx, entry.ChallengeID, entry.OwnerID)
		if err != nil {
			slog.WarnContext(lctx, "challenge: live view refresh failed",
				"challenge", entry.ChallengeID,
				"changed_key", key,
				"error", err,
			)
			return
		}
		emit(*view)
	}

	// One listener per copy plus the index record, all owned by the same
	// composite handle.
	s.store.Listen(lctx, sub, refresh, s.store.OwnerCopyKey(entry.OwnerID, entry.ChallengeID))
	s.store.Listen(lctx, sub, refresh, s.store.GlobalCopyKey(entry.ChallengeID))
	s.store.Listen(lctx, sub, refresh, s.store.IndexKey(code))

	return sub, nil
}
