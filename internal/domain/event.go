package domain

const (
	EventNamePointsUpdated    = "challenge.points_updated"
	EventNameChallengeEnded   = "challenge.ended"
	EventNameStandingsUpdated = "standings.updated"
)

// EventPointsUpdated fires after any write that may have changed a
// challenge's points summary.
type EventPointsUpdated struct {
	ChallengeID  string
	Participants []string
	Summary      PointsSummary
}

func (EventPointsUpdated) Name() string { return EventNamePointsUpdated }

// EventChallengeEnded fires once per challenge, on the end transition.
type EventChallengeEnded struct {
	Challenge Challenge
}

func (EventChallengeEnded) Name() string { return EventNameChallengeEnded }

// Standings is the ranked live points view of a challenge, sorted by points
// in descending order.
type Standings struct {
	ChallengeID string
	Entries     []StandingsEntry
}

type StandingsEntry struct {
	Username string
	Points   int
}

// EventStandingsUpdated fires after the standings cache absorbed a points
// update, throttled so bursts of toggles produce one notification.
type EventStandingsUpdated struct {
	Standings Standings
}

func (EventStandingsUpdated) Name() string { return EventNameStandingsUpdated }
