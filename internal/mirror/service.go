// Package mirror maintains a read-optimized copy of challenge point totals
// in postgres. It is a secondary, non-authoritative consumer of the points
// formula: it records what the points engine computed, it never computes on
// its own, and its failures never propagate into the write path.
package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/haitrung/studyloop/internal/domain"
	"github.com/haitrung/studyloop/internal/event"
)

type Config struct {
	EventBus *event.Bus
	DB       *pgxpool.Pool
}

type Service struct {
	eb *event.Bus
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	s := &Service{
		eb: c.EventBus,
		db: c.DB,
	}

	s.eb.Subscribe(domain.EventNamePointsUpdated, func(ctx context.Context, e event.Event) error {
		return s.MirrorPoints(ctx, e.(domain.EventPointsUpdated))
	})

	return s
}

// EnsureSchema creates the mirror table. Safe to call on every start.
func (s *Service) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS challenge_points (
	challenge_id TEXT NOT NULL,
	username     TEXT NOT NULL,
	points       INT  NOT NULL,
	max_points   INT  NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (challenge_id, username)
);`

	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("mirror: ensure schema: %w", err)
	}
	return nil
}

// MirrorPoints upserts one row per participant from the points summary.
func (s *Service) MirrorPoints(ctx context.Context, e domain.EventPointsUpdated) error {
	const stmt = `
INSERT INTO challenge_points (challenge_id, username, points, max_points, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (challenge_id, username)
DO UPDATE SET points = EXCLUDED.points, max_points = EXCLUDED.max_points, updated_at = EXCLUDED.updated_at;`

	now := time.Now()

	batch := &pgx.Batch{}
	for user, pts := range e.Summary.PointsByUser {
		batch.Queue(stmt, e.ChallengeID, user, pts, e.Summary.MaxPoints, now)
	}
	if batch.Len() == 0 {
		return nil
	}

	br := s.db.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("mirror: upsert points: challenge=%s: %w", e.ChallengeID, err)
		}
	}

	return nil
}

// ReadPoints returns the mirrored totals for a challenge, for consumers that
// want the cheap read path instead of a document merge.
func (s *Service) ReadPoints(ctx context.Context, challengeID string) (domain.PointsSummary, error) {
	const stmt = `
SELECT username, points, max_points
FROM challenge_points
WHERE challenge_id = $1;`

	rows, err := s.db.Query(ctx, stmt, challengeID)
	if err != nil {
		return domain.PointsSummary{}, err
	}
	defer rows.Close()

	out := domain.PointsSummary{PointsByUser: map[string]int{}}
	for rows.Next() {
		var user string
		var pts, maxPts int
		if err := rows.Scan(&user, &pts, &maxPts); err != nil {
			return domain.PointsSummary{}, err
		}
		out.PointsByUser[user] = pts
		out.MaxPoints = maxPts
	}

	return out, rows.Err()
}
