package domain

import (
	"crypto/rand"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Completion is one user's completion state for one task. Each user only ever
// writes their own entry, so concurrent writers never contend on the same key.
// CompletedAt is the time of the most recent toggle, set on completes and
// un-completes alike: it is what orders the same user's entry when the two
// stored copies disagree.
type Completion struct {
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Task is a single to-do item inside a challenge. Completions is the
// authoritative per-user record; CompletedBy is derived from it and rebuilt
// whenever the two disagree.
type Task struct {
	TaskID      string                `json:"task_id"`
	Title       string                `json:"title"`
	Description string                `json:"description"`
	Points      int                   `json:"points"`
	Completions map[string]Completion `json:"completions"`
	CompletedBy []string              `json:"completed_by"`
}

// PointsSummary is the derived points aggregate for a challenge.
type PointsSummary struct {
	PointsByUser map[string]int `json:"points_by_user"`
	MaxPoints    int            `json:"max_points"`
}

// Challenge is the logical challenge document. The same shape is stored twice,
// once under the owner and once globally, and reconciled on every read.
type Challenge struct {
	ChallengeID  string     `json:"challenge_id"`
	Code         string     `json:"code"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	CreatedBy    string     `json:"created_by"`
	CreatedAt    time.Time  `json:"created_at"`
	Participants []string   `json:"participants"`
	Tasks        []Task     `json:"tasks"`
	IsActive     bool       `json:"is_active"`
	EndDate      *time.Time `json:"end_date,omitempty"`
	WinnerIDs    []string   `json:"winner_ids,omitempty"`

	Points PointsSummary `json:"points_summary"`

	// Final* are written exactly once when the challenge ends and are never
	// overwritten afterwards, no matter what later writes do to Points.
	FinalPointsByUser map[string]int `json:"final_points_by_user,omitempty"`
	FinalMaxPoints    *int           `json:"final_max_points,omitempty"`
}

// Frozen reports whether the final snapshot has been written.
func (c *Challenge) Frozen() bool {
	return c.FinalPointsByUser != nil
}

// HasParticipant reports whether user already joined.
func (c *Challenge) HasParticipant(user string) bool {
	for _, p := range c.Participants {
		if p == user {
			return true
		}
	}
	return false
}

// TaskByID returns a pointer into Tasks, or nil.
func (c *Challenge) TaskByID(id string) *Task {
	for i := range c.Tasks {
		if c.Tasks[i].TaskID == id {
			return &c.Tasks[i]
		}
	}
	return nil
}

// TaskIDs returns the set of task ids present on the challenge.
func (c *Challenge) TaskIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(c.Tasks))
	for _, t := range c.Tasks {
		ids[t.TaskID] = struct{}{}
	}
	return ids
}

// Normalize applies defaults to a challenge loaded from storage so the rest of
// the code can assume well-formed data: non-nil maps and slices, a normalized
// code, non-negative points, and CompletedBy agreeing with Completions.
// It returns the number of tasks whose CompletedBy had to be repaired.
func (c *Challenge) Normalize() int {
	c.Code = NormalizeCode(c.Code)
	if c.Participants == nil {
		c.Participants = []string{}
	}
	if c.Points.PointsByUser == nil {
		c.Points.PointsByUser = map[string]int{}
	}

	repaired := 0
	for i := range c.Tasks {
		t := &c.Tasks[i]
		if t.Completions == nil {
			t.Completions = map[string]Completion{}
		}
		if t.Points < 0 {
			t.Points = 0
		}
		want := CompletedSet(t.Completions)
		switch {
		case t.CompletedBy == nil:
			t.CompletedBy = want
		case !equalStrings(want, t.CompletedBy):
			t.CompletedBy = want
			repaired++
		}
	}
	return repaired
}

// CompletedSet derives the sorted list of users with completed=true.
func CompletedSet(completions map[string]Completion) []string {
	users := make([]string, 0, len(completions))
	for u, cm := range completions {
		if cm.Completed {
			users = append(users, u)
		}
	}
	sort.Strings(users)
	return users
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// NormalizeCode folds a share code to its canonical form. Lookups and index
// writes must both go through this so that "ab12cd" and "AB12CD" hit the same
// record.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Codes avoid 0/O and 1/I so they survive being read out loud.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const codeLength = 6

// NewCode generates a random share code in canonical form.
func NewCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}

// NewID generates a time-ordered id for challenges and tasks.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id.String(), nil
}
