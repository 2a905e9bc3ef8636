package stream

import (
	"encoding/hex"
	"sync"

	"github.com/google/uuid"
)

// sessionIDSource produces the per-connection identifier handed to the
// handler alongside each decoded frame. Any collision-free scheme is
// acceptable: the counter below is the default, uuid.New() is an
// optional swap-in for deployments that want globally (not just
// process-locally) unique identifiers, e.g. when session ids are
// correlated against an external log store.
type sessionIDSource interface {
	Next() string
}

// counterSessionIDGen produces a monotonic, process-local 128-bit
// session identifier. A single mutex-guarded counter is simpler than a
// lock-free 128-bit increment and sessions are assigned at accept time,
// far from any hot path.
type counterSessionIDGen struct {
	mu     sync.Mutex
	hi, lo uint64
}

// Next returns the next session id as a 32-character hex string.
func (g *counterSessionIDGen) Next() string {
	g.mu.Lock()
	g.lo++
	if g.lo == 0 {
		g.hi++
	}
	hi, lo := g.hi, g.lo
	g.mu.Unlock()

	var b [16]byte
	putUint64(b[0:8], hi)
	putUint64(b[8:16], lo)
	return hex.EncodeToString(b[:])
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// uuidSessionIDGen sources session ids from uuid.New() instead of the
// local counter.
type uuidSessionIDGen struct{}

func (uuidSessionIDGen) Next() string { return uuid.New().String() }
