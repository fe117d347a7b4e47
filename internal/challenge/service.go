// Package challenge composes the storage adapter, merge, points, and guard
// logic into the write and read paths of shared challenges.
package challenge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haitrung/studyloop/internal/domain"
	"github.com/haitrung/studyloop/internal/errors"
	"github.com/haitrung/studyloop/internal/event"
	"github.com/haitrung/studyloop/internal/merge"
	"github.com/haitrung/studyloop/internal/points"
	"github.com/haitrung/studyloop/internal/retry"
	"github.com/haitrung/studyloop/internal/storage"
	"github.com/haitrung/studyloop/internal/telemetry"
)

const createCodeAttempts = 3

type Config struct {
	Storage  *storage.Adapter
	EventBus *event.Bus

	// Toggle overrides the contention retry policy; zero value selects the
	// default (5 attempts, 50ms base doubling, 1s cap).
	Toggle retry.Policy

	// Now overrides the clock in tests.
	Now func() time.Time
}

type Service struct {
	store  *storage.Adapter
	eb     *event.Bus
	toggle retry.Policy
	now    func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		store:  c.Storage,
		eb:     c.EventBus,
		toggle: c.Toggle,
		now:    c.Now,
	}

	if s.toggle.MaxAttempts == 0 {
		s.toggle = retry.Policy{
			MaxAttempts: 5,
			BaseDelay:   50 * time.Millisecond,
			MaxDelay:    time.Second,
		}
	}
	s.toggle.Retryable = func(err error) bool {
		return errors.Is(err, errors.CodeConflict)
	}

	if s.now == nil {
		s.now = time.Now
	}

	return s
}

// TaskSpec describes one task on a create or add request. A missing TaskID is
// assigned by the service.
type TaskSpec struct {
	TaskID      string
	Title       string
	Description string
	Points      int
}

type CreateChallengeRequest struct {
	Title       string
	Description string
	CreatedBy   string
	Tasks       []TaskSpec
}

// CreateChallenge writes a new challenge: the code index entry, the owner
// lookup, and both document copies. The share code is newly generated and
// retried on the unlikely collision.
func (s *Service) CreateChallenge(ctx context.Context, req CreateChallengeRequest) (*domain.Challenge, error) {
	if req.Title == "" || req.CreatedBy == "" {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("title and creator are required"),
		)
	}

	id, err := domain.NewID()
	if err != nil {
		return nil, err
	}

	c := domain.Challenge{
		ChallengeID:  id,
		Title:        req.Title,
		Description:  req.Description,
		CreatedBy:    req.CreatedBy,
		CreatedAt:    s.now(),
		Participants: []string{req.CreatedBy},
		IsActive:     true,
	}

	for _, spec := range req.Tasks {
		t, err := newTask(spec)
		if err != nil {
			return nil, err
		}
		c.Tasks = append(c.Tasks, t)
	}

	points.Refresh(&c)
	c.Normalize()

	for attempt := 0; ; attempt++ {
		c.Code, err = domain.NewCode()
		if err != nil {
			return nil, err
		}

		err = s.store.CreateChallenge(ctx, c)
		if err == nil {
			break
		}
		if !errors.Is(err, errors.CodeAlreadyExists) || attempt == createCodeAttempts-1 {
			return nil, fmt.Errorf("create challenge: %w", err)
		}
	}

	s.publishPoints(ctx, c)
	return &c, nil
}

func newTask(spec TaskSpec) (domain.Task, error) {
	if spec.Points < 0 {
		return domain.Task{}, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("task points must be non-negative"),
		)
	}

	id := spec.TaskID
	if id == "" {
		var err error
		if id, err = domain.NewID(); err != nil {
			return domain.Task{}, err
		}
	}

	return domain.Task{
		TaskID:      id,
		Title:       spec.Title,
		Description: spec.Description,
		Points:      spec.Points,
		Completions: map[string]domain.Completion{},
		CompletedBy: []string{},
	}, nil
}

// GetChallenge resolves a share code and returns the canonical merged view.
func (s *Service) GetChallenge(ctx context.Context, code string) (*domain.Challenge, error) {
	entry, err := s.store.ReadIndex(ctx, code)
	if err != nil {
		return nil, err
	}

	return s.loadMerged(ctx, entry.ChallengeID, entry.OwnerID)
}

// loadMerged reads both copies and reconciles them. A single unreadable copy
// degrades to the other; only both missing is NotFound, only both unreadable
// is Unavailable.
func (s *Service) loadMerged(ctx context.Context, challengeID, ownerID string) (*domain.Challenge, error) {
	owner, ownerErr := s.store.ReadOwnerCopy(ctx, ownerID, challengeID)
	global, globalErr := s.store.ReadGlobalCopy(ctx, challengeID)

	if ownerErr != nil && globalErr != nil {
		return nil, errors.New(errors.CodeUnavailable,
			errors.WithMessagef("both copies unreadable: challenge=%s", challengeID),
			errors.WithCause(globalErr),
		)
	}
	if ownerErr != nil || globalErr != nil {
		slog.WarnContext(ctx, "challenge: one copy unreadable, serving the other",
			"challenge", challengeID,
			"owner_err", ownerErr,
			"global_err", globalErr,
		)
	}

	res, ok := merge.Canonical(owner, global)
	if !ok {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("challenge not found: %s", challengeID),
		)
	}

	if res.Repaired > 0 {
		telemetry.MergeRepairs.Add(float64(res.Repaired))
	}

	// The merged summary is only a cache carried over from whichever copy had
	// it. The served view derives its points from the merged task list, so a
	// completion surviving the merge is always credited.
	res.Challenge.Points = points.Recompute(res.Challenge.Tasks, res.Challenge.Participants)

	return &res.Challenge, nil
}

// JoinChallenge adds userID to the participant set. Joining twice is a no-op;
// participants only ever grow.
func (s *Service) JoinChallenge(ctx context.Context, code, userID string) (*domain.Challenge, error) {
	if userID == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("user is required"))
	}

	entry, err := s.store.ReadIndex(ctx, code)
	if err != nil {
		return nil, err
	}

	updated, _, err := s.updateAtomic(ctx, entry.ChallengeID, entry.OwnerID, func(c *domain.Challenge) error {
		if !c.HasParticipant(userID) {
			c.Participants = append(c.Participants, userID)
		}
		points.Refresh(c)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.propagateOwnerCopy(ctx, *updated)
	s.publishPoints(ctx, *updated)
	return updated, nil
}

// updateAtomic runs fn against the global copy inside the optimistic
// transaction, retrying on contention. When the global copy is missing but
// the owner copy survives, the global record is reseeded from the merged view
// first, so a half-failed dual write does not wedge the challenge.
func (s *Service) updateAtomic(ctx context.Context, challengeID, ownerID string, fn func(*domain.Challenge) error) (*domain.Challenge, int, error) {
	var updated domain.Challenge

	attempts, err := retry.Do(ctx, s.toggle, func(ctx context.Context) error {
		var err error
		updated, err = s.store.RunAtomic(ctx, challengeID, fn)
		if errors.Is(err, errors.CodeNotFound) {
			if seedErr := s.reseedGlobal(ctx, challengeID, ownerID); seedErr == nil {
				updated, err = s.store.RunAtomic(ctx, challengeID, fn)
			}
		}
		return err
	})
	if attempts > 1 {
		telemetry.ToggleRetries.Add(float64(attempts - 1))
	}
	if err != nil {
		return nil, attempts, err
	}

	return &updated, attempts, nil
}

// reseedGlobal restores a missing global record from the owner copy.
func (s *Service) reseedGlobal(ctx context.Context, challengeID, ownerID string) error {
	owner, err := s.store.ReadOwnerCopy(ctx, ownerID, challengeID)
	if err != nil {
		return err
	}
	if owner == nil {
		return errors.New(errors.CodeNotFound,
			errors.WithMessagef("challenge not found: %s", challengeID),
		)
	}

	slog.WarnContext(ctx, "challenge: global copy missing, reseeding from owner copy",
		"challenge", challengeID,
	)
	return s.store.WriteGlobalCopy(ctx, *owner)
}

// propagateOwnerCopy mirrors an updated document to the owner-side record.
// Failure is tolerated: the copies diverge until the next merge-on-read.
func (s *Service) propagateOwnerCopy(ctx context.Context, c domain.Challenge) {
	if err := s.store.WriteOwnerCopy(ctx, c); err != nil {
		slog.WarnContext(ctx, "challenge: owner copy write failed after global update",
			"challenge", c.ChallengeID,
			"error", err,
		)
	}
}

func (s *Service) publishPoints(ctx context.Context, c domain.Challenge) {
	if s.eb == nil {
		return
	}
	s.eb.Publish(ctx, domain.EventPointsUpdated{
		ChallengeID:  c.ChallengeID,
		Participants: append([]string(nil), c.Participants...),
		Summary:      c.Points,
	})
}
