package api

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/haitrung/studyloop/internal/domain"
)

const maxConcurrent = 100

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	Standings struct {
		ChallengeID string           `json:"challenge_id"`
		Entries     []StandingsEntry `json:"entries"`
	}

	StandingsEntry struct {
		Username string `json:"username"`
		Points   int    `json:"points"`
	}

	ChallengeEnded struct {
		ChallengeID    string         `json:"challenge_id"`
		WinnerIDs      []string       `json:"winner_ids"`
		FinalPoints    map[string]int `json:"final_points_by_user"`
		FinalMaxPoints int            `json:"final_max_points"`
	}
)

// PublishStandingsUpdated fans the new standings out to every ranked user's
// notification channel.
func (a *API) PublishStandingsUpdated(ctx context.Context, e domain.EventStandingsUpdated) error {
	st := e.Standings

	data := Standings{
		ChallengeID: st.ChallengeID,
		Entries:     make([]StandingsEntry, 0, len(st.Entries)),
	}

	for _, entry := range st.Entries {
		data.Entries = append(data.Entries, StandingsEntry{
			Username: entry.Username,
			Points:   entry.Points,
		})
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, entry := range data.Entries {
		eg.Go(func() error {
			return a.publishNotification(ctx, entry.Username, e.Name(), data)
		})
	}

	return eg.Wait()
}

// PublishChallengeEnded notifies every participant of the final result.
func (a *API) PublishChallengeEnded(ctx context.Context, e domain.EventChallengeEnded) error {
	ch := e.Challenge

	data := ChallengeEnded{
		ChallengeID: ch.ChallengeID,
		WinnerIDs:   ch.WinnerIDs,
		FinalPoints: ch.FinalPointsByUser,
	}
	if ch.FinalMaxPoints != nil {
		data.FinalMaxPoints = *ch.FinalMaxPoints
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, user := range ch.Participants {
		eg.Go(func() error {
			return a.publishNotification(ctx, user, e.Name(), data)
		})
	}

	return eg.Wait()
}

func (a *API) publishNotification(ctx context.Context, user, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, fmt.Sprintf("%s:user:%s", a.prefix, user), b).Err()
}
