package reassembly

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vishurizz/vstp"
	"github.com/vishurizz/vstp/fragment"
)

func TestReassembleOutOfOrder(t *testing.T) {
	payload := make([]byte, 50000)
	_, _ = rand.Read(payload)
	f := vstp.NewFrame(vstp.TypeData).WithHeader("content-type", "application/octet-stream").WithPayload(payload)
	frags, err := fragment.Split(f, vstp.MaxDatagramSize)
	require.NoError(t, err)
	require.Greater(t, len(frags), 1)

	shuffled := make([]vstp.Frame, len(frags))
	copy(shuffled, frags)
	for i := len(shuffled) - 1; i > 0; i-- {
		j := int(payload[i%len(payload)]) % (i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}

	r := New()
	var complete *vstp.Frame
	for i, fr := range shuffled {
		out, err := r.Add("peer-a:1234", fr)
		require.NoError(t, err)
		if i < len(shuffled)-1 {
			require.Nil(t, out)
		} else {
			complete = out
		}
	}
	require.NotNil(t, complete)
	require.Equal(t, payload, complete.Payload)

	_, hasID := complete.Header(vstp.HeaderFragID)
	require.False(t, hasID)
	_, hasIndex := complete.Header(vstp.HeaderFragIndex)
	require.False(t, hasIndex)
	_, hasTotal := complete.Header(vstp.HeaderFragTotal)
	require.False(t, hasTotal)

	ct, ok := complete.Header("content-type")
	require.True(t, ok)
	require.Equal(t, "application/octet-stream", string(ct))

	require.Equal(t, 0, r.GroupCount())
}

func TestReassembleReqAckSurvivesReverseOrder(t *testing.T) {
	f := vstp.NewFrame(vstp.TypeData).WithPayload(make([]byte, 10000)).WithFlag(vstp.FlagReqAck)
	frags, err := fragment.Split(f, vstp.MaxDatagramSize)
	require.NoError(t, err)
	require.Greater(t, len(frags), 1)

	// The fragmenter sets REQ_ACK only on the last-index fragment. Deliver in
	// reverse order so that fragment, carrying REQ_ACK, arrives first and the
	// group completes on an earlier, REQ_ACK-less fragment.
	reversed := make([]vstp.Frame, len(frags))
	for i, fr := range frags {
		reversed[len(frags)-1-i] = fr
	}

	r := New()
	var complete *vstp.Frame
	for i, fr := range reversed {
		out, err := r.Add("peer", fr)
		require.NoError(t, err)
		if i == len(reversed)-1 {
			complete = out
		} else {
			require.Nil(t, out)
		}
	}
	require.NotNil(t, complete)
	require.True(t, complete.Flags.Has(vstp.FlagReqAck))
}

func TestReassembleDuplicateFragmentDropped(t *testing.T) {
	f := vstp.NewFrame(vstp.TypeData).WithPayload(make([]byte, 10000))
	frags, err := fragment.Split(f, vstp.MaxDatagramSize)
	require.NoError(t, err)
	require.Greater(t, len(frags), 2)

	r := New()
	_, err = r.Add("peer", frags[0])
	require.NoError(t, err)
	// Re-deliver the first fragment before the group completes.
	out, err := r.Add("peer", frags[0])
	require.NoError(t, err)
	require.Nil(t, out)
	require.Equal(t, 1, r.GroupCount())
}

func TestReassembleConflictingTotalDropped(t *testing.T) {
	f := vstp.NewFrame(vstp.TypeData).WithPayload(make([]byte, 10000))
	frags, err := fragment.Split(f, vstp.MaxDatagramSize)
	require.NoError(t, err)
	require.Greater(t, len(frags), 1)

	r := New()
	_, err = r.Add("peer", frags[0])
	require.NoError(t, err)

	bogus := frags[1]
	bogus.Headers = append([]vstp.Header(nil), bogus.Headers...)
	for i, h := range bogus.Headers {
		if string(h.Key) == vstp.HeaderFragTotal {
			bogus.Headers[i] = vstp.NewHeader(vstp.HeaderFragTotal, "999")
		}
	}
	out, err := r.Add("peer", bogus)
	require.NoError(t, err)
	require.Nil(t, out)
	require.Equal(t, 1, r.GroupCount())
}

func TestReassembleInvalidFragmentHeaders(t *testing.T) {
	r := New()
	f := vstp.NewFrame(vstp.TypeData).WithPayload([]byte("x")).WithHeader(vstp.HeaderFragID, "1")
	_, err := r.Add("peer", f)
	require.ErrorIs(t, err, vstp.ErrInvalidFragment)
}

func TestReassembleExpiryUnderTTL(t *testing.T) {
	f := vstp.NewFrame(vstp.TypeData).WithPayload(make([]byte, 50000))
	frags, err := fragment.Split(f, vstp.MaxDatagramSize)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(frags), 44)

	r := New(WithTTL(20 * time.Millisecond))
	for _, fr := range frags[:len(frags)-1] {
		_, err := r.Add("peer", fr)
		require.NoError(t, err)
	}
	require.Equal(t, 1, r.GroupCount())

	time.Sleep(40 * time.Millisecond)
	// A second, unrelated group's arrival triggers the opportunistic sweep.
	unrelated := vstp.NewFrame(vstp.TypeData).
		WithHeader(vstp.HeaderFragID, "1").
		WithHeader(vstp.HeaderFragIndex, "0").
		WithHeader(vstp.HeaderFragTotal, "2").
		WithPayload([]byte("a"))
	_, err = r.Add("other-peer", unrelated)
	require.NoError(t, err)

	require.Equal(t, 1, r.GroupCount()) // only the unrelated group remains
}

func TestReassembleBoundedEviction(t *testing.T) {
	r := New(WithMaxGroups(2))

	mk := func(id string) vstp.Frame {
		return vstp.NewFrame(vstp.TypeData).
			WithHeader(vstp.HeaderFragID, id).
			WithHeader(vstp.HeaderFragIndex, "0").
			WithHeader(vstp.HeaderFragTotal, "2").
			WithPayload([]byte("a"))
	}

	_, err := r.Add("peer", mk("1"))
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = r.Add("peer", mk("2"))
	require.NoError(t, err)
	require.Equal(t, 2, r.GroupCount())

	time.Sleep(time.Millisecond)
	_, err = r.Add("peer", mk("3"))
	require.NoError(t, err)
	require.Equal(t, 2, r.GroupCount())
}
