package coherence

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"atelier/internal/logging"
	"atelier/internal/store"
	"atelier/internal/types"
)

// checkTimeout bounds one detached family check, naming calls included.
const checkTimeout = 2 * time.Minute

// Scheduler turns resolution-time pokes into detached family checks.
// Trigger never blocks the caller and never propagates a failure; a broken
// check is logged and forgotten. Concurrent triggers for the same family
// collapse into one check via singleflight.
type Scheduler struct {
	engine *Engine
	store  *store.LibraryStore
	group  singleflight.Group

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler over one engine.
func NewScheduler(engine *Engine, st *store.LibraryStore) *Scheduler {
	return &Scheduler{engine: engine, store: st}
}

// Trigger schedules a coherence check for the family around itemID and
// returns immediately. Triggers after Close are dropped.
func (s *Scheduler) Trigger(itemID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logging.Get(logging.CategoryCoherence).Error("Coherence check panicked for %s: %v", itemID, r)
			}
		}()
		s.run(itemID)
	}()
}

func (s *Scheduler) run(itemID string) {
	parentID, ok := s.familyOf(itemID)
	if !ok {
		logging.CoherenceDebug("Trigger for %s: no family to check", itemID)
		return
	}

	_, err, shared := s.group.Do(parentID, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		return s.engine.CheckFamily(ctx, parentID)
	})
	if err != nil {
		logging.Get(logging.CategoryCoherence).Error("Coherence check failed for family %s: %v", parentID, err)
		return
	}
	if shared {
		logging.CoherenceDebug("Coalesced duplicate trigger for family %s", parentID)
	}
}

// familyOf maps an item to the family parent its trigger concerns: the
// item itself if it heads a family, its parent if it is a child, nothing
// if it is standalone.
func (s *Scheduler) familyOf(itemID string) (string, bool) {
	role, err := s.store.FamilyRoleOf(itemID)
	if err != nil {
		logging.Get(logging.CategoryCoherence).Warn("Role lookup failed for %s: %v", itemID, err)
		return "", false
	}
	switch role {
	case types.RoleParent:
		return itemID, true
	case types.RoleChild:
		parent, err := s.store.ParentOf(itemID)
		if err != nil || parent == nil {
			return "", false
		}
		return parent.ID, true
	default:
		return "", false
	}
}

// SweepAll checks every family once, oldest stamp first. Used by the CLI's
// explicit coherence command; cooldowns still apply.
func (s *Scheduler) SweepAll(ctx context.Context) ([]*CheckReport, error) {
	parents, err := s.store.FamilyParents()
	if err != nil {
		return nil, err
	}
	var reports []*CheckReport
	for _, p := range parents {
		select {
		case <-ctx.Done():
			return reports, ctx.Err()
		default:
		}
		report, err := s.engine.CheckFamily(ctx, p.ID)
		if err != nil {
			logging.Get(logging.CategoryCoherence).Error("Sweep check failed for %s: %v", p.Slug, err)
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Close stops accepting triggers and waits for in-flight checks to drain.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}
