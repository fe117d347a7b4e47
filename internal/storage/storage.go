// Package storage is the document adapter for challenges. One logical
// challenge is stored as four physical records: an owner copy, a global copy,
// a code index entry, and an owner lookup. The two copies are written
// independently and non-atomically; readers reconcile them through the merge
// package. The only atomicity primitive is an optimistic single-document
// transaction against the global copy.
package storage

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/haitrung/studyloop/internal/domain"
	"github.com/haitrung/studyloop/internal/errors"
)

type Config struct {
	Redis  redis.UniversalClient
	Prefix string
}

type Adapter struct {
	rdb    redis.UniversalClient
	prefix string
}

func New(c Config) *Adapter {
	return &Adapter{
		rdb:    c.Redis,
		prefix: c.Prefix,
	}
}

// IndexEntry maps a share code to the records holding the challenge.
type IndexEntry struct {
	ChallengeID string `json:"challenge_id"`
	OwnerID     string `json:"owner_id"`
}

func (a *Adapter) ownerKey(ownerID, challengeID string) string {
	return fmt.Sprintf("%s:owner:%s:challenge:%s", a.prefix, ownerID, challengeID)
}

func (a *Adapter) globalKey(challengeID string) string {
	return fmt.Sprintf("%s:challenge:%s", a.prefix, challengeID)
}

func (a *Adapter) codeKey(code string) string {
	return fmt.Sprintf("%s:code:%s", a.prefix, domain.NormalizeCode(code))
}

func (a *Adapter) ownerOfKey(challengeID string) string {
	return fmt.Sprintf("%s:owner-of:%s", a.prefix, challengeID)
}

func (a *Adapter) changeChannel(key string) string {
	return fmt.Sprintf("%s:changes:%s", a.prefix, key)
}

// readChallenge returns (nil, nil) when the record is absent: a missing copy
// is a normal condition the merge layer handles, not an error.
func (a *Adapter) readChallenge(ctx context.Context, key string) (*domain.Challenge, error) {
	raw, err := a.rdb.Get(ctx, key).Result()
	if stderrors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.New(errors.CodeUnavailable,
			errors.WithMessagef("read %s", key),
			errors.WithCause(err),
		)
	}

	var c domain.Challenge
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("storage: decode %s: %w", key, err)
	}

	if n := c.Normalize(); n > 0 {
		slog.WarnContext(ctx, "storage: repaired derived completion sets on read",
			"key", key,
			"tasks", n,
		)
	}
	return &c, nil
}

func (a *Adapter) ReadOwnerCopy(ctx context.Context, ownerID, challengeID string) (*domain.Challenge, error) {
	return a.readChallenge(ctx, a.ownerKey(ownerID, challengeID))
}

func (a *Adapter) ReadGlobalCopy(ctx context.Context, challengeID string) (*domain.Challenge, error) {
	return a.readChallenge(ctx, a.globalKey(challengeID))
}

// ReadIndex resolves a share code. The code is case-normalized before lookup.
func (a *Adapter) ReadIndex(ctx context.Context, code string) (IndexEntry, error) {
	var e IndexEntry

	raw, err := a.rdb.Get(ctx, a.codeKey(code)).Result()
	if stderrors.Is(err, redis.Nil) {
		return e, errors.New(errors.CodeNotFound,
			errors.WithMessagef("challenge code not found: %s", domain.NormalizeCode(code)),
		)
	}
	if err != nil {
		return e, errors.New(errors.CodeUnavailable, errors.WithCause(err))
	}

	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return e, fmt.Errorf("storage: decode index %s: %w", code, err)
	}
	return e, nil
}

// ReadOwnerOf resolves a challenge id to its owner.
func (a *Adapter) ReadOwnerOf(ctx context.Context, challengeID string) (string, error) {
	owner, err := a.rdb.Get(ctx, a.ownerOfKey(challengeID)).Result()
	if stderrors.Is(err, redis.Nil) {
		return "", errors.New(errors.CodeNotFound,
			errors.WithMessagef("challenge not found: %s", challengeID),
		)
	}
	if err != nil {
		return "", errors.New(errors.CodeUnavailable, errors.WithCause(err))
	}
	return owner, nil
}

// writeDoc stores doc as JSON at key and announces the change on the key's
// change channel.
func (a *Adapter) writeDoc(ctx context.Context, key string, doc any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", key, err)
	}

	if err := a.rdb.Set(ctx, key, b, 0).Err(); err != nil {
		return errors.New(errors.CodeUnavailable,
			errors.WithMessagef("write %s", key),
			errors.WithCause(err),
		)
	}

	a.announce(ctx, key)
	return nil
}

func (a *Adapter) announce(ctx context.Context, key string) {
	if err := a.rdb.Publish(ctx, a.changeChannel(key), key).Err(); err != nil {
		slog.WarnContext(ctx, "storage: publish change failed", "key", key, "error", err)
	}
}

// CreateChallenge writes all four records of a new challenge. The index entry
// is claimed first with SetNX so that a code collision fails the whole create;
// the remaining writes are best-effort application-level atomicity, not a
// transaction.
func (a *Adapter) CreateChallenge(ctx context.Context, c domain.Challenge) error {
	entry, err := json.Marshal(IndexEntry{ChallengeID: c.ChallengeID, OwnerID: c.CreatedBy})
	if err != nil {
		return fmt.Errorf("storage: encode index: %w", err)
	}

	ok, err := a.rdb.SetNX(ctx, a.codeKey(c.Code), entry, 0).Result()
	if err != nil {
		return errors.New(errors.CodeUnavailable, errors.WithCause(err))
	}
	if !ok {
		return errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("challenge code already taken: %s", c.Code),
		)
	}

	if err := a.rdb.Set(ctx, a.ownerOfKey(c.ChallengeID), c.CreatedBy, 0).Err(); err != nil {
		return errors.New(errors.CodeUnavailable, errors.WithCause(err))
	}

	return a.WriteBoth(ctx, c)
}

// WriteBoth writes the owner copy and the global copy concurrently. The two
// writes are independent: one failing must not stop the other, and callers
// only see an error when both failed. A partial write leaves the copies
// divergent until the next merge-on-read.
func (a *Adapter) WriteBoth(ctx context.Context, c domain.Challenge) error {
	var g errgroup.Group
	var ownerErr, globalErr error

	g.Go(func() error {
		ownerErr = a.writeDoc(ctx, a.ownerKey(c.CreatedBy, c.ChallengeID), c)
		return nil
	})
	g.Go(func() error {
		globalErr = a.writeDoc(ctx, a.globalKey(c.ChallengeID), c)
		return nil
	})
	_ = g.Wait()

	if ownerErr != nil && globalErr != nil {
		return errors.New(errors.CodeUnavailable,
			errors.WithMessagef("both copies failed to write: challenge=%s", c.ChallengeID),
			errors.WithCause(stderrors.Join(ownerErr, globalErr)),
		)
	}

	if ownerErr != nil || globalErr != nil {
		slog.WarnContext(ctx, "storage: partial dual write, copies diverged until next merge",
			"challenge", c.ChallengeID,
			"error", stderrors.Join(ownerErr, globalErr),
		)
	}

	return nil
}

// WriteOwnerCopy writes only the owner-side record, best effort after a
// transactional update of the global copy.
func (a *Adapter) WriteOwnerCopy(ctx context.Context, c domain.Challenge) error {
	return a.writeDoc(ctx, a.ownerKey(c.CreatedBy, c.ChallengeID), c)
}

// WriteGlobalCopy writes only the global record outside any transaction. It
// exists for the toggle executor's exhausted-retries fallback.
func (a *Adapter) WriteGlobalCopy(ctx context.Context, c domain.Challenge) error {
	return a.writeDoc(ctx, a.globalKey(c.ChallengeID), c)
}

// RunAtomic applies fn to the global copy inside an optimistic WATCH/MULTI/
// EXEC transaction. fn sees the normalized current document and mutates it in
// place. A concurrent commit between read and write fails the transaction
// with CodeConflict; callers retry.
func (a *Adapter) RunAtomic(ctx context.Context, challengeID string, fn func(*domain.Challenge) error) (domain.Challenge, error) {
	key := a.globalKey(challengeID)
	var updated domain.Challenge

	err := a.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if stderrors.Is(err, redis.Nil) {
			return errors.New(errors.CodeNotFound,
				errors.WithMessagef("challenge not found: %s", challengeID),
			)
		}
		if err != nil {
			return errors.New(errors.CodeUnavailable, errors.WithCause(err))
		}

		var c domain.Challenge
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return fmt.Errorf("storage: decode %s: %w", key, err)
		}
		c.Normalize()

		if err := fn(&c); err != nil {
			return err
		}

		b, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("storage: encode %s: %w", key, err)
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, b, 0)
			return nil
		})
		if err != nil {
			return err
		}

		updated = c
		return nil
	}, key)

	if stderrors.Is(err, redis.TxFailedErr) {
		return domain.Challenge{}, errors.New(errors.CodeConflict,
			errors.WithMessagef("concurrent update on challenge %s", challengeID),
			errors.WithCause(err),
		)
	}
	if err != nil {
		return domain.Challenge{}, err
	}

	a.announce(ctx, key)
	return updated, nil
}

// OwnerCopyKey and GlobalCopyKey expose the physical record keys for
// subscriptions.
func (a *Adapter) OwnerCopyKey(ownerID, challengeID string) string {
	return a.ownerKey(ownerID, challengeID)
}

func (a *Adapter) GlobalCopyKey(challengeID string) string {
	return a.globalKey(challengeID)
}

func (a *Adapter) IndexKey(code string) string {
	return a.codeKey(code)
}
