package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vishurizz/vstp"
)

func newMember(id string, buf int) *Member {
	return &Member{SessionID: id, Out: make(chan vstp.Frame, buf), Closed: make(chan struct{})}
}

func TestBroadcastExcludesSender(t *testing.T) {
	r := New()
	a := newMember("a", 1)
	b := newMember("b", 1)
	r.Add(a)
	r.Add(b)

	f := vstp.NewFrame(vstp.TypeData).WithPayload([]byte("hi"))
	r.Broadcast(a, f)

	require.Empty(t, a.Out)
	require.Len(t, b.Out, 1)
}

func TestBroadcastDropPolicy(t *testing.T) {
	r := New()
	r.Policy = PolicyDrop
	a := newMember("a", 1)
	r.Add(a)

	f := vstp.NewFrame(vstp.TypeData)
	r.Broadcast(nil, f)
	r.Broadcast(nil, f) // second send overflows the size-1 buffer and is dropped

	select {
	case <-a.Closed:
		t.Fatal("member should not be kicked under drop policy")
	default:
	}
}

func TestBroadcastKickPolicy(t *testing.T) {
	r := New()
	r.Policy = PolicyKick
	a := newMember("a", 1)
	r.Add(a)

	f := vstp.NewFrame(vstp.TypeData)
	r.Broadcast(nil, f)
	r.Broadcast(nil, f)

	select {
	case <-a.Closed:
	default:
		t.Fatal("member should be kicked under kick policy")
	}
}

func TestRemoveIdempotent(t *testing.T) {
	r := New()
	a := newMember("a", 1)
	r.Add(a)
	require.Equal(t, 1, r.Count())
	r.Remove(a)
	r.Remove(a)
	require.Equal(t, 0, r.Count())
}
