// Copyright 2025 James Ross
package scheduler

import (
	"sort"
	"sync"
)

// Limits are the admission policy caps, immutable per engine instance.
type Limits struct {
	MaxInflightGlobal  int
	MaxInflightPerUser int
}

// repository is the subset of *queue.Repository the Scheduler reads and
// mutates (via DequeueForUser) while selecting admissions.
type repository interface {
	ListUserIDs() []string
	InflightCountGlobal() int
	InflightCountUser(userID string) int
	DequeueForUser(userID string) (string, bool)
}

// Scheduler is a stateless round-robin fair-share policy object; its
// only mutable state is the cursor recording the last user an admission
// was granted to, so consecutive Select calls keep rotating fairly.
type Scheduler struct {
	mu       sync.Mutex
	lastUser string
}

// New returns a Scheduler with a fresh cursor.
func New() *Scheduler {
	return &Scheduler{}
}

// Admission is one request selected for admission, identified by id and
// the user it was popped from (the caller already knows the user from
// the Request record, but carrying it avoids a redundant lookup).
type Admission struct {
	RequestID string
	UserID    string
}

// Select pops up to batchMax (bounded further by remaining global
// capacity) request ids from eligible users' FIFOs in round-robin order.
// Selected ids are already removed from repo's per-user FIFOs; the
// caller (Engine) is responsible for transitioning them to inflight.
func (s *Scheduler) Select(repo repository, limits Limits, batchMax int) []Admission {
	capacity := limits.MaxInflightGlobal - repo.InflightCountGlobal()
	if batchMax < capacity {
		capacity = batchMax
	}
	if capacity <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order := rotatedUserOrder(repo.ListUserIDs(), s.lastUser)
	if len(order) == 0 {
		return nil
	}

	result := make([]Admission, 0, capacity)
	selectedPerUser := make(map[string]int, len(order))
	remaining := append([]string(nil), order...)
	for len(result) < capacity && len(remaining) > 0 {
		progressed := false
		next := remaining[:0:0]
		for _, userID := range remaining {
			if len(result) >= capacity {
				next = append(next, userID)
				continue
			}
			if repo.InflightCountUser(userID)+selectedPerUser[userID] >= limits.MaxInflightPerUser {
				continue // drop: per-user cap reached (including this batch), not eligible this pass
			}
			id, ok := repo.DequeueForUser(userID)
			if !ok {
				continue // drop: queue emptied
			}
			result = append(result, Admission{RequestID: id, UserID: userID})
			selectedPerUser[userID]++
			s.lastUser = userID
			progressed = true
			next = append(next, userID) // stays eligible for the next pass
		}
		remaining = next
		if !progressed {
			break
		}
	}
	return result
}

// rotatedUserOrder returns a deterministic, sorted snapshot of users
// rotated so the user immediately after lastUser comes first — the
// fairness cursor described in spec.md section 4.2.
func rotatedUserOrder(users []string, lastUser string) []string {
	sorted := append([]string(nil), users...)
	sort.Strings(sorted)
	if lastUser == "" {
		return sorted
	}
	idx := sort.SearchStrings(sorted, lastUser)
	start := 0
	if idx < len(sorted) && sorted[idx] == lastUser {
		start = idx + 1
	} else {
		start = idx
	}
	if start >= len(sorted) {
		start = 0
	}
	return append(sorted[start:], sorted[:start]...)
}
