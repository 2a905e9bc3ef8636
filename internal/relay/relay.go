// Package relay provides an optional broadcast fan-out of DATA frames
// across stream sessions, for servers that want a shared-room behavior
// layered on top of the point-to-point protocol.
package relay

import (
	"sync"

	"github.com/vishurizz/vstp"
	"github.com/vishurizz/vstp/internal/logging"
	"github.com/vishurizz/vstp/internal/metrics"
)

// BackpressurePolicy controls what happens when a member's outbound queue
// is full.
type BackpressurePolicy int

const (
	// PolicyDrop silently discards the frame for the slow member.
	PolicyDrop BackpressurePolicy = iota
	// PolicyKick closes the slow member's channel, disconnecting it.
	PolicyKick
)

// Member is a relay participant: one per connected stream session.
type Member struct {
	SessionID string
	Out       chan vstp.Frame
	Closed    chan struct{}
	closeOnce sync.Once
}

// Close signals the member is closed (idempotent).
func (m *Member) Close() {
	m.closeOnce.Do(func() { close(m.Closed) })
}

// Relay fans DATA frames out to every member other than the sender.
type Relay struct {
	mu         sync.RWMutex
	members    map[*Member]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Relay with default settings.
func New() *Relay { return &Relay{members: make(map[*Member]struct{})} }

// Add registers a member with the relay.
func (r *Relay) Add(m *Member) {
	r.mu.Lock()
	r.members[m] = struct{}{}
	cur := len(r.members)
	r.mu.Unlock()
	metrics.SetStreamSessions(cur)
}

// Remove unregisters a member; safe to call multiple times.
func (r *Relay) Remove(m *Member) {
	r.mu.Lock()
	_, existed := r.members[m]
	if existed {
		delete(r.members, m)
	}
	cur := len(r.members)
	r.mu.Unlock()
	select {
	case <-m.Closed:
	default:
		m.Close()
	}
	if existed {
		metrics.SetStreamSessions(cur)
	}
}

// Broadcast sends f to every member except from, honoring the
// backpressure policy.
func (r *Relay) Broadcast(from *Member, f vstp.Frame) {
	members := r.Snapshot()
	for _, m := range members {
		if m == from {
			continue
		}
		select {
		case m.Out <- f:
		default:
			if r.Policy == PolicyKick {
				logging.L().Warn("relay_member_kicked", "session_id", m.SessionID)
				m.Close()
			} else {
				logging.L().Debug("relay_frame_dropped", "session_id", m.SessionID)
			}
		}
	}
}

// Snapshot returns a slice copy of current members (read-only use).
func (r *Relay) Snapshot() []*Member {
	r.mu.RLock()
	members := make([]*Member, 0, len(r.members))
	for m := range r.members {
		members = append(members, m)
	}
	r.mu.RUnlock()
	return members
}

// Count returns the number of active members.
func (r *Relay) Count() int { r.mu.RLock(); n := len(r.members); r.mu.RUnlock(); return n }
