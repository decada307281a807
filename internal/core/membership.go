package core

import (
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// membership is a threadsafe ordered participant set.
// It never closes adapter-owned resources.
type membership struct {
	mu    sync.RWMutex
	order []Member
	byID  map[PeerID]int
}

func NewMembership() Membership {
	return &membership{byID: make(map[PeerID]int)}
}

func (m *membership) Add(mb Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.byID[mb.ID]; ok {
		m.order[i] = mb
		return
	}
	m.byID[mb.ID] = len(m.order)
	m.order = append(m.order, mb)
	log.Debug().Str("module", "core.membership").Str("peer", string(mb.ID)).Str("user", mb.User.Name).Msg("member added")
}

func (m *membership) Remove(id PeerID) (Member, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byID[id]
	if !ok {
		return Member{}, false
	}
	removed := m.order[i]
	m.order = slices.Delete(m.order, i, i+1)
	delete(m.byID, id)
	for j := i; j < len(m.order); j++ {
		m.byID[m.order[j].ID] = j
	}
	log.Debug().Str("module", "core.membership").Str("peer", string(id)).Msg("member removed")
	return removed, true
}

func (m *membership) Guests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.CountBy(m.order, func(mb Member) bool { return !mb.Host })
}

func (m *membership) Snapshot() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order)
}

// Broadcast enqueues f on every member except from, in join order.
// Sends happen outside the lock so a slow peer never holds up Add/Remove.
func (m *membership) Broadcast(from PeerID, f Frame) PublishResult {
	targets := lo.Filter(m.Snapshot(), func(mb Member, _ int) bool { return mb.ID != from })

	res := PublishResult{}
	for _, mb := range targets {
		err := mb.Conn.TrySend(f)
		switch {
		case err == nil:
			res.SentTo++
		case errors.Is(err, ErrBackpressure):
			res.Dropped = append(res.Dropped, mb)
		default:
			res.Failed = append(res.Failed, mb)
		}
	}
	log.Debug().
		Str("module", "core.membership").
		Str("from", string(from)).
		Int("sent_to", res.SentTo).
		Int("dropped", len(res.Dropped)).
		Int("failed", len(res.Failed)).
		Msg("broadcast result")
	return res
}
