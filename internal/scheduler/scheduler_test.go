// Copyright 2025 James Ross
package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/jdforge/queuecore/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectRespectsGlobalCapacity(t *testing.T) {
	repo := queue.NewRepository()
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("r%d", i)
		repo.Add(queue.Request{ID: id, UserID: "u1"})
	}
	s := New()
	admitted := s.Select(repo, Limits{MaxInflightGlobal: 4, MaxInflightPerUser: 10}, 64)
	assert.Len(t, admitted, 4)
}

func TestSelectRespectsPerUserCapWithinOneBatch(t *testing.T) {
	repo := queue.NewRepository()
	for i := 0; i < 10; i++ {
		repo.Add(queue.Request{ID: fmt.Sprintf("r%d", i), UserID: "u1"})
	}
	s := New()
	admitted := s.Select(repo, Limits{MaxInflightGlobal: 10, MaxInflightPerUser: 2}, 64)
	assert.Len(t, admitted, 2, "per-user cap must bound a single user even across one large batch")
}

func TestSelectAlternatesTwoUsersWithPerUserCapOne(t *testing.T) {
	repo := queue.NewRepository()
	for i := 0; i < 4; i++ {
		repo.Add(queue.Request{ID: fmt.Sprintf("a%d", i), UserID: "A"})
		repo.Add(queue.Request{ID: fmt.Sprintf("b%d", i), UserID: "B"})
	}
	s := New()

	var order []string
	for i := 0; i < 8; i++ {
		admitted := s.Select(repo, Limits{MaxInflightGlobal: 1, MaxInflightPerUser: 1}, 1)
		require.Len(t, admitted, 1)
		order = append(order, admitted[0].UserID)
		// simulate immediate finish so the next Select call sees capacity again
		repo.MarkAdmitted(admitted[0].RequestID, time.Now())
		repo.MarkFinished(admitted[0].RequestID, true, "", time.Now())
	}
	for i := 1; i < len(order); i++ {
		assert.NotEqual(t, order[i-1], order[i], "users must strictly alternate at position %d", i)
	}
}

func TestSelectZeroGlobalCapacityAdmitsNothing(t *testing.T) {
	repo := queue.NewRepository()
	repo.Add(queue.Request{ID: "r1", UserID: "u1"})
	s := New()
	admitted := s.Select(repo, Limits{MaxInflightGlobal: 0, MaxInflightPerUser: 1}, 64)
	assert.Empty(t, admitted)
}

func TestSelectFairnessOverWindow(t *testing.T) {
	repo := queue.NewRepository()
	users := []string{"A", "B", "C"}
	for _, u := range users {
		for i := 0; i < 100; i++ {
			repo.Add(queue.Request{ID: fmt.Sprintf("%s%d", u, i), UserID: u})
		}
	}
	s := New()
	counts := map[string]int{}
	window := 2 * len(users)
	for i := 0; i < window; i++ {
		admitted := s.Select(repo, Limits{MaxInflightGlobal: 1, MaxInflightPerUser: 1}, 1)
		require.Len(t, admitted, 1)
		counts[admitted[0].UserID]++
		repo.MarkAdmitted(admitted[0].RequestID, time.Now())
		repo.MarkFinished(admitted[0].RequestID, true, "", time.Now())
	}
	min, max := -1, -1
	for _, c := range counts {
		if min == -1 || c < min {
			min = c
		}
		if max == -1 || c > max {
			max = c
		}
	}
	assert.LessOrEqual(t, max-min, len(users), "admissions per user must differ by at most N over a window of 2N")
}
