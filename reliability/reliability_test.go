package reliability

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vishurizz/vstp"
)

func TestNextMsgIDMonotonic(t *testing.T) {
	a := NextMsgID()
	b := NextMsgID()
	require.NotEqual(t, a, b)
}

func TestSynthesizeAck(t *testing.T) {
	f := vstp.NewFrame(vstp.TypeData).WithHeader(vstp.HeaderMsgID, "42").WithPayload([]byte("x")).WithFlag(vstp.FlagReqAck)
	ack, ok := SynthesizeAck(f)
	require.True(t, ok)
	require.Equal(t, vstp.TypeAck, ack.Type)
	require.Equal(t, vstp.Flags(0), ack.Flags)
	require.Empty(t, ack.Payload)
	require.Len(t, ack.Headers, 1)
	id, ok := ack.Header(vstp.HeaderMsgID)
	require.True(t, ok)
	require.Equal(t, "42", string(id))
}

func TestSynthesizeAckNoMsgID(t *testing.T) {
	f := vstp.NewFrame(vstp.TypeData)
	_, ok := SynthesizeAck(f)
	require.False(t, ok)
}

func TestSendWithAckSucceedsImmediately(t *testing.T) {
	s := NewSender(WithAckTimeout(50 * time.Millisecond))
	frame := vstp.NewFrame(vstp.TypeData).WithHeader(vstp.HeaderMsgID, NextMsgID()).WithFlag(vstp.FlagReqAck)

	var sent int32
	done := make(chan struct{})
	go func() {
		<-done
		ack, ok := SynthesizeAck(frame)
		require.True(t, ok)
		s.OnAck(ack)
	}()

	err := s.SendWithAck(context.Background(), frame, func(f vstp.Frame) error {
		atomic.AddInt32(&sent, 1)
		close(done)
		return nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&sent))
}

func TestSendWithAckRetriesThenSucceeds(t *testing.T) {
	s := NewSender(WithAckTimeout(20*time.Millisecond), WithMaxRetries(3))
	frame := vstp.NewFrame(vstp.TypeData).WithHeader(vstp.HeaderMsgID, NextMsgID()).WithFlag(vstp.FlagReqAck)

	var attempts int32
	err := s.SendWithAck(context.Background(), frame, func(f vstp.Frame) error {
		n := atomic.AddInt32(&attempts, 1)
		if n == 2 {
			// Simulate the ACK arriving for this attempt, racing the timeout.
			go func() {
				ack, _ := SynthesizeAck(frame)
				s.OnAck(ack)
			}()
		}
		return nil
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}

func TestSendWithAckExhaustsRetries(t *testing.T) {
	s := NewSender(WithAckTimeout(5*time.Millisecond), WithMaxRetries(2))
	frame := vstp.NewFrame(vstp.TypeData).WithHeader(vstp.HeaderMsgID, NextMsgID()).WithFlag(vstp.FlagReqAck)

	var attempts int32
	err := s.SendWithAck(context.Background(), frame, func(f vstp.Frame) error {
		atomic.AddInt32(&attempts, 1)
		return nil
	})
	require.ErrorIs(t, err, vstp.ErrAckTimeout)
	require.EqualValues(t, 3, atomic.LoadInt32(&attempts)) // 1 initial + 2 retries
}

func TestSendWithAckNoMsgIDHeader(t *testing.T) {
	s := NewSender()
	frame := vstp.NewFrame(vstp.TypeData)
	err := s.SendWithAck(context.Background(), frame, func(f vstp.Frame) error { return nil })
	require.ErrorIs(t, err, vstp.ErrAckTimeout)
}

func TestSendWithAckContextCanceled(t *testing.T) {
	s := NewSender(WithAckTimeout(time.Second))
	frame := vstp.NewFrame(vstp.TypeData).WithHeader(vstp.HeaderMsgID, NextMsgID()).WithFlag(vstp.FlagReqAck)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := s.SendWithAck(ctx, frame, func(f vstp.Frame) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}
