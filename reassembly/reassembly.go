// Package reassembly implements the receiver side of datagram
// fragmentation: a bounded, expiring table of in-progress fragment groups
// keyed by (peer address, frag-id), tolerant of out-of-order, duplicated,
// and lost fragments.
package reassembly

import (
	"strconv"
	"sync"
	"time"

	"github.com/vishurizz/vstp"
)

// DefaultTTL is the group expiry interval: 30 seconds from first-seen.
const DefaultTTL = 30 * time.Second

// DefaultMaxGroups bounds the number of concurrent reassembly groups; on
// overflow the least-recently-inserted group is evicted.
const DefaultMaxGroups = 1000

type fragKey struct {
	peer   string
	fragID uint64
}

type group struct {
	total     int
	chunks    map[int][]byte
	firstSeen time.Time
	reqAck    bool
}

// Reassembler holds all reassembly state for one endpoint, guarded by a
// single mutex; all of it is process-local.
type Reassembler struct {
	mu        sync.Mutex
	groups    map[fragKey]*group
	ttl       time.Duration
	maxGroups int

	onExpired func(n int)
	onEvicted func(n int)
}

// Option configures a Reassembler.
type Option func(*Reassembler)

// WithTTL overrides the default 30s group expiry.
func WithTTL(d time.Duration) Option {
	return func(r *Reassembler) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithMaxGroups overrides the default cap of 1000 concurrent groups. A
// value <= 0 disables the cap.
func WithMaxGroups(n int) Option {
	return func(r *Reassembler) { r.maxGroups = n }
}

// WithExpiryHook registers a callback invoked with the number of groups
// swept on each opportunistic GC pass (for metrics).
func WithExpiryHook(fn func(n int)) Option {
	return func(r *Reassembler) { r.onExpired = fn }
}

// WithEvictionHook registers a callback invoked with the number of groups
// evicted for capacity (for metrics).
func WithEvictionHook(fn func(n int)) Option {
	return func(r *Reassembler) { r.onEvicted = fn }
}

// New constructs a Reassembler with the 30s TTL and 1000-group cap unless
// overridden by options.
func New(opts ...Option) *Reassembler {
	r := &Reassembler{
		groups:    make(map[fragKey]*group),
		ttl:       DefaultTTL,
		maxGroups: DefaultMaxGroups,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// GroupCount returns the number of in-progress reassembly groups.
func (r *Reassembler) GroupCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}

// Add processes one arriving fragment from peer. It returns (frame, nil)
// once all fragments of a group have arrived — the frame's fragment
// headers stripped, payload joined in ascending frag-index order, and
// REQ_ACK set iff any fragment in the group carried it (the fragmenter only
// sets REQ_ACK on the final-index fragment, which need not be the one that
// completes the group when fragments arrive out of order). It returns
// (nil, nil) when the fragment was accepted but the group is still
// incomplete, including when the fragment was a duplicate or conflicted
// with an existing group's recorded count (both are silently dropped). It
// returns (nil, ErrInvalidFragment) when the fragment-info headers are
// missing, unparsable, or out of range; the caller should log and
// continue, never surface this to the application.
func (r *Reassembler) Add(peer string, f vstp.Frame) (*vstp.Frame, error) {
	id, index, total, ok := fragmentInfo(f)
	if !ok {
		return nil, vstp.ErrInvalidFragment
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepExpiredLocked()

	key := fragKey{peer: peer, fragID: id}
	g, exists := r.groups[key]
	if !exists {
		if r.maxGroups > 0 && len(r.groups) >= r.maxGroups {
			r.evictOldestLocked()
		}
		g = &group{total: total, chunks: make(map[int][]byte), firstSeen: time.Now()}
		r.groups[key] = g
	}

	if total != g.total {
		return nil, nil // conflicting group: drop
	}
	if _, dup := g.chunks[index]; dup {
		return nil, nil // duplicate: drop
	}
	g.chunks[index] = append([]byte(nil), f.Payload...)
	if f.Flags.Has(vstp.FlagReqAck) {
		g.reqAck = true
	}

	if len(g.chunks) < g.total {
		return nil, nil
	}

	payload := joinChunks(g)
	reqAck := g.reqAck
	delete(r.groups, key)
	complete := stripFragmentHeaders(f)
	complete.Payload = payload
	if reqAck {
		complete.Flags = complete.Flags.With(vstp.FlagReqAck)
	} else {
		complete.Flags = complete.Flags.Without(vstp.FlagReqAck)
	}
	return &complete, nil
}

func joinChunks(g *group) []byte {
	size := 0
	for _, c := range g.chunks {
		size += len(c)
	}
	out := make([]byte, 0, size)
	for i := 0; i < g.total; i++ {
		out = append(out, g.chunks[i]...)
	}
	return out
}

// sweepExpiredLocked removes any group whose first-seen timestamp is older
// than the TTL. Called opportunistically on every insertion.
func (r *Reassembler) sweepExpiredLocked() {
	if len(r.groups) == 0 {
		return
	}
	now := time.Now()
	var expired int
	for k, g := range r.groups {
		if now.Sub(g.firstSeen) > r.ttl {
			delete(r.groups, k)
			expired++
		}
	}
	if expired > 0 && r.onExpired != nil {
		r.onExpired(expired)
	}
}

// evictOldestLocked removes the least-recently-inserted group to make
// room for a new one when at capacity.
func (r *Reassembler) evictOldestLocked() {
	var oldestKey fragKey
	var oldestTime time.Time
	first := true
	for k, g := range r.groups {
		if first || g.firstSeen.Before(oldestTime) {
			oldestKey, oldestTime, first = k, g.firstSeen, false
		}
	}
	if !first {
		delete(r.groups, oldestKey)
		if r.onEvicted != nil {
			r.onEvicted(1)
		}
	}
}

// fragmentInfo extracts frag-id, frag-index, frag-total from a frame's
// headers. It reports ok=false if any are missing, malformed, or
// frag-index >= frag-total.
func fragmentInfo(f vstp.Frame) (id uint64, index, total int, ok bool) {
	idb, ok1 := f.Header(vstp.HeaderFragID)
	idxb, ok2 := f.Header(vstp.HeaderFragIndex)
	totb, ok3 := f.Header(vstp.HeaderFragTotal)
	if !ok1 || !ok2 || !ok3 {
		return 0, 0, 0, false
	}
	idv, err1 := strconv.ParseUint(string(idb), 10, 64)
	idxv, err2 := strconv.Atoi(string(idxb))
	totv, err3 := strconv.Atoi(string(totb))
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, false
	}
	if idxv < 0 || totv <= 0 || idxv >= totv {
		return 0, 0, 0, false
	}
	return idv, idxv, totv, true
}

// stripFragmentHeaders returns a copy of f with the three reserved
// fragment headers removed, leaving every other header untouched; the
// caller should never see frag-id/frag-index/frag-total on a frame
// that has already been reassembled.
func stripFragmentHeaders(f vstp.Frame) vstp.Frame {
	out := f
	out.Headers = make([]vstp.Header, 0, len(f.Headers))
	for _, h := range f.Headers {
		switch string(h.Key) {
		case vstp.HeaderFragID, vstp.HeaderFragIndex, vstp.HeaderFragTotal:
			continue
		}
		out.Headers = append(out.Headers, h)
	}
	return out
}
