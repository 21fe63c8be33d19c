// Copyright 2025 James Ross

// Package queuesvc is a thin façade around the Engine plus the EMA
// store, exposing the two derived read capabilities (my_status,
// snapshot) the rest of the system uses instead of reaching into the
// Engine directly.
package queuesvc

import (
	"github.com/jdforge/queuecore/internal/ema"
	"github.com/jdforge/queuecore/internal/engine"
	"github.com/jdforge/queuecore/internal/queue"
)

// Status is the my_status response shape.
type Status struct {
	PerUserLimit     int     `json:"per_user_limit"`
	GlobalLimit      int     `json:"global_limit"`
	InProgressUser   int     `json:"in_progress_user"`
	InProgressGlobal int     `json:"in_progress_global"`
	QueueLenUser     int     `json:"queue_len_user"`
	PositionInUser   int     `json:"position_in_user"`
	ETASeconds       float64 `json:"eta_seconds"`
}

// Service composes the Engine and EMA store.
type Service struct {
	eng *engine.Engine
	ema *ema.Store
}

func New(eng *engine.Engine, emaStore *ema.Store) *Service {
	return &Service{eng: eng, ema: emaStore}
}

func (s *Service) Engine() *engine.Engine { return s.eng }

// MyStatus reports the caller's position and ETA within their own
// queue. requestID may be empty, in which case position_in_user is 0.
func (s *Service) MyStatus(userID, requestID string, limits Limits) Status {
	repo := s.eng.Repository()

	position := 0
	if requestID != "" {
		ids := repo.UserQueueIDs(userID)
		for i, id := range ids {
			if id == requestID {
				position = i
				break
			}
		}
	}

	avg := s.avgForUser(userID)
	perUserLimit := limits.MaxInflightPerUser
	if perUserLimit < 1 {
		perUserLimit = 1
	}
	eta := (float64(position) / float64(perUserLimit)) * avg

	return Status{
		PerUserLimit:     limits.MaxInflightPerUser,
		GlobalLimit:      limits.MaxInflightGlobal,
		InProgressUser:   repo.InflightCountUser(userID),
		InProgressGlobal: repo.InflightCountGlobal(),
		QueueLenUser:     repo.UserQueueLen(userID),
		PositionInUser:   position,
		ETASeconds:       eta,
	}
}

// avgForUser resolves the per-user EMA if any sample has been recorded,
// else the Engine's global avg_finish_sec, else the EMA default.
func (s *Service) avgForUser(userID string) float64 {
	if s.ema.HasSample(userID) {
		return s.ema.Get(userID)
	}
	if snap := s.eng.Snapshot(); snap.AvgFinishSec != nil {
		return *snap.AvgFinishSec
	}
	return ema.DefaultValue
}

// RecordFinish feeds a successful finish duration into the per-user EMA;
// callers invoke this alongside engine.Finish on success.
func (s *Service) RecordFinish(userID string, seconds float64) {
	s.ema.Update(userID, seconds)
}

// Snapshot returns the aggregate diagnostic snapshot.
func (s *Service) Snapshot() queue.Snapshot {
	return s.eng.Snapshot()
}

// Limits mirrors scheduler.Limits to avoid queuesvc depending on the
// scheduler package for a two-field value type.
type Limits struct {
	MaxInflightGlobal  int
	MaxInflightPerUser int
}
