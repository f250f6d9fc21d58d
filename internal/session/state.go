// Package session owns the in-memory user record and the credential
// lifecycle behind it.
package session

import (
	"sync"

	"github.com/rcourtman/tiergate/pkg/licensing"
)

// Snapshot is a point-in-time copy of the session. User is nil when no
// session is established.
type Snapshot struct {
	User       *licensing.User
	Generation uint64
	// Revision counts confirmed local writes within Generation.
	Revision uint64
	Ready    bool
}

// State is the single in-memory user record. The session Client is its owner
// and the only writer of identity; usage.Sync may apply confirmed counter and
// plan changes through the generation-checked Apply methods. Everyone else
// reads snapshots.
//
// Generation increases on every session transition (establish, end). A write
// tagged with an older generation is discarded. Revision increases on every
// applied counter or plan change, so a refetch that started before one can be
// recognized as stale.
type State struct {
	mu         sync.RWMutex
	user       *licensing.User
	generation uint64
	revision   uint64
	ready      bool
	lastErr    error
}

// NewState returns an empty, unauthenticated state.
func NewState() *State {
	return &State{}
}

// Snapshot returns a copy that is safe to read without locks.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{User: s.user.Clone(), Generation: s.generation, Revision: s.revision, Ready: s.ready}
}

// Generation returns the current session generation.
func (s *State) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Ready reports whether a user record is loaded for the current session.
func (s *State) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// LastError is the side-channel error from the most recent failed
// rehydration. It is cleared by a successful login or a logout.
func (s *State) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// ApplyIncrement adds one to counter if gen is still current.
func (s *State) ApplyIncrement(gen uint64, counter licensing.Counter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.user == nil {
		return false
	}
	if !s.user.AddUsage(counter) {
		return false
	}
	s.revision++
	return true
}

// ApplyPlan sets the plan tag if gen is still current.
func (s *State) ApplyPlan(gen uint64, tier licensing.Tier) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.user == nil {
		return false
	}
	s.user.Plan = tier
	s.revision++
	return true
}

// end clears the record and starts a new generation, which it returns.
func (s *State) end(lastErr error) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.revision = 0
	s.user = nil
	s.ready = false
	s.lastErr = lastErr
	return s.generation
}

// establish installs user as a new session if gen is still current.
func (s *State) establish(gen uint64, user *licensing.User) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return false
	}
	s.generation++
	s.revision = 0
	s.user = user.Clone()
	s.ready = true
	s.lastErr = nil
	return true
}

// failIfCurrent records a rehydration failure if gen is still current.
func (s *State) failIfCurrent(gen uint64, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return false
	}
	s.generation++
	s.revision = 0
	s.user = nil
	s.ready = false
	s.lastErr = err
	return true
}

// replaceUser swaps in a fresher record for the same session and returns
// what was installed. If counter or plan changes were applied after the
// fetch started (rev is behind), the fetched record may predate them: its
// counters are raised to the local values and the local plan is kept.
func (s *State) replaceUser(gen, rev uint64, user *licensing.User) (*licensing.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.user == nil {
		return nil, false
	}
	next := user.Clone()
	if rev != s.revision {
		next = reconcile(next, s.user)
	}
	s.user = next
	return next.Clone(), true
}

func reconcile(fetched, local *licensing.User) *licensing.User {
	fetched.SearchCount = max(fetched.SearchCount, local.SearchCount)
	fetched.ExportCount = max(fetched.ExportCount, local.ExportCount)
	fetched.CompetitorAnalysisCount = max(fetched.CompetitorAnalysisCount, local.CompetitorAnalysisCount)
	fetched.Plan = local.Plan
	return fetched
}
