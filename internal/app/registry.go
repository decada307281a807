package app

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/hostrelay/internal/domain"
)

// Registry is the directory of live sessions keyed by relay port.
// Readers get deep copies; writers are serialized.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint16]*domain.Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint16]*domain.Session)}
}

// List returns a snapshot sorted by port.
func (r *Registry) List() []domain.Session {
	r.mu.RLock()
	out := lo.MapToSlice(r.sessions, func(_ uint16, s *domain.Session) domain.Session { return s.Clone() })
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.Session) int { return cmp.Compare(a.Port, b.Port) })
	return out
}

func (r *Registry) Lookup(port uint16) (domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[port]
	if !ok {
		return domain.Session{}, false
	}
	return s.Clone(), true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Insert(s domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.Port]; ok {
		log.Error().Str("module", "app.registry").Uint16("port", s.Port).Msg("duplicate port on insert")
		return fmt.Errorf("port %d: %w", s.Port, domain.ErrDuplicatePort)
	}
	stored := s.Clone()
	r.sessions[s.Port] = &stored
	log.Info().Str("module", "app.registry").Uint16("port", s.Port).Str("host", s.Host.Name).Msg("session registered")
	return nil
}

// Remove is idempotent; the bool reports whether a session was present.
func (r *Registry) Remove(port uint16) (domain.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[port]
	if !ok {
		return domain.Session{}, false
	}
	delete(r.sessions, port)
	log.Info().Str("module", "app.registry").Uint16("port", port).Msg("session removed")
	return *s, true
}

// UpdateParticipants applies fn to the participant list of the session at port
// while holding the write lock, so readers see either the old or the new list.
func (r *Registry) UpdateParticipants(port uint16, fn func([]domain.User) []domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[port]
	if !ok {
		return fmt.Errorf("port %d: %w", port, domain.ErrSessionNotFound)
	}
	current := slices.Clone(s.Participants)
	next := fn(current)
	if next == nil {
		next = []domain.User{}
	}
	s.Participants = next
	return nil
}

// ReplaceParticipants overwrites the participant list with users, in the given order.
func ReplaceParticipants(users []domain.User) func([]domain.User) []domain.User {
	return func([]domain.User) []domain.User {
		return slices.Clone(users)
	}
}
