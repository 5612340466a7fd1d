package tracking

import (
	"errors"
	"fmt"
	"sync"
)

type Phase int

const (
	Idle Phase = iota
	Polling
	Following
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Following:
		return "following"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

var (
	ErrNotPolling     = errors.New("route is not being polled")
	ErrAlreadyPolling = errors.New("route is already being polled")
	ErrNoVehicle      = errors.New("vehicle id is required")
)

// State is the tracking session of one route:
//
//	idle -> polling -> following
//	           ^           |
//	           +-----------+ (Unfollow)
//
// Stop returns to idle from any phase. It is safe for concurrent use.
type State struct {
	mu      sync.RWMutex
	phase   Phase
	vehicle string
}

func (s *State) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Idle {
		return ErrAlreadyPolling
	}
	s.phase = Polling
	return nil
}

// Follow makes vehicleID the priority vehicle. Following another vehicle
// replaces the previous one.
func (s *State) Follow(vehicleID string) error {
	if vehicleID == "" {
		return ErrNoVehicle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == Idle {
		return ErrNotPolling
	}
	s.phase = Following
	s.vehicle = vehicleID
	return nil
}

func (s *State) Unfollow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == Following {
		s.phase = Polling
	}
	s.vehicle = ""
}

func (s *State) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = Idle
	s.vehicle = ""
}

func (s *State) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Priority is the followed vehicle, or "" when not following.
func (s *State) Priority() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vehicle
}
