// Package points derives the per-user point totals of a challenge from its
// task list. All functions are pure; callers re-run them after every
// structural or completion mutation instead of trusting stored aggregates.
package points

import (
	"sort"

	"github.com/haitrung/studyloop/internal/domain"
)

// Recompute builds the points summary from scratch. Every participant starts
// at zero, each task credits its weight to every user whose completion entry
// is set, and MaxPoints sums all task weights regardless of completion.
func Recompute(tasks []domain.Task, participants []string) domain.PointsSummary {
	s := domain.PointsSummary{
		PointsByUser: make(map[string]int, len(participants)),
	}

	for _, u := range participants {
		s.PointsByUser[u] = 0
	}

	for _, t := range tasks {
		s.MaxPoints += t.Points
		for u, cm := range t.Completions {
			if cm.Completed {
				s.PointsByUser[u] += t.Points
			}
		}
	}

	return s
}

// Refresh recomputes c's points summary in place and applies the freeze rule.
// It reports whether the final snapshot was written by this call.
func Refresh(c *domain.Challenge) bool {
	c.Points = Recompute(c.Tasks, c.Participants)
	return Freeze(c)
}

// Freeze copies the current points summary into the final snapshot if the
// challenge has ended and no snapshot exists yet. A snapshot that is already
// set is never touched: recomputation after the end transition must not
// un-freeze a concluded challenge's results.
func Freeze(c *domain.Challenge) bool {
	if c.IsActive && c.EndDate == nil {
		return false
	}
	if c.Frozen() {
		return false
	}

	final := make(map[string]int, len(c.Points.PointsByUser))
	for u, p := range c.Points.PointsByUser {
		final[u] = p
	}
	maxPoints := c.Points.MaxPoints

	c.FinalPointsByUser = final
	c.FinalMaxPoints = &maxPoints
	return true
}

// Winners returns the users holding the maximum point total, sorted. A best
// of zero yields no winners: nobody scored, and completing only zero-weight
// tasks does not count as scoring. Point ties yield co-winners.
func Winners(s domain.PointsSummary) []string {
	best := 0
	for _, p := range s.PointsByUser {
		if p > best {
			best = p
		}
	}
	if best == 0 {
		return nil
	}

	var winners []string
	for u, p := range s.PointsByUser {
		if p == best {
			winners = append(winners, u)
		}
	}
	sort.Strings(winners)
	return winners
}
