// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/mixarq/core/log"
	"github.com/katzenpost/mixarq/lanes"
	"github.com/katzenpost/mixarq/ordered"
)

type sentMessage struct {
	connID lanes.ConnectionID
	msg    *ordered.Message
	raw    []byte
	final  bool
}

type recordingSender struct {
	ch chan sentMessage
}

func newRecordingSender() *recordingSender {
	return &recordingSender{ch: make(chan sentMessage, 64)}
}

func (r *recordingSender) SendToMix(ctx context.Context, connID lanes.ConnectionID, data []byte, final bool) error {
	m, err := ordered.FromBytes(data)
	if err != nil {
		return err
	}
	r.ch <- sentMessage{connID: connID, msg: m, raw: data, final: final}
	return nil
}

func (r *recordingSender) next(t *testing.T) sentMessage {
	select {
	case m := <-r.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("nothing sent")
	}
	return sentMessage{}
}

func (r *recordingSender) none(t *testing.T, d time.Duration) {
	select {
	case m := <-r.ch:
		t.Fatalf("unexpected message seq %d final %v", m.msg.Seq, m.final)
	case <-time.After(d):
	}
}

func testConfig() *Config {
	return &Config{
		ReadBufferSize:    64,
		KeepaliveInterval: time.Hour,
		InactivityTimeout: time.Hour,
		LowWaterMark:      30,
		LanePollInterval:  time.Millisecond,
		LaneWaitTimeout:   time.Hour,
		CloseSettleDelay:  time.Millisecond,
		DrainPollInterval: time.Millisecond,
		DrainTimeout:      time.Hour,
		ShutdownTimeout:   10 * time.Millisecond,
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func runInbound(ctx context.Context, in *Inbound) chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- in.Run(ctx)
	}()
	return errCh
}

func waitErr(t *testing.T, errCh chan error) error {
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not exit")
	}
	return nil
}

func TestInboundDataThenEOF(t *testing.T) {
	t.Parallel()
	sender := newRecordingSender()
	queues := lanes.NewQueueLengths()
	in := NewInbound(log.NewDiscard(), testConfig(), 7, bytes.NewReader([]byte("hello")), sender, queues, nil)
	require.Equal(t, Reading, in.State())
	errCh := runInbound(context.Background(), in)

	m := sender.next(t)
	require.Equal(t, lanes.ConnectionID(7), m.connID)
	require.Equal(t, uint64(0), m.msg.Seq)
	require.Equal(t, []byte("hello"), m.msg.Data)
	require.False(t, m.final)

	m = sender.next(t)
	require.Equal(t, uint64(1), m.msg.Seq)
	require.True(t, m.final)
	require.True(t, m.msg.Final)
	require.Empty(t, m.msg.Data)

	require.NoError(t, waitErr(t, errCh))
	require.Equal(t, Terminated, in.State())
	<-in.Done()
	sender.none(t, 20*time.Millisecond)
}

func TestInboundReadErrorIsClose(t *testing.T) {
	t.Parallel()
	sender := newRecordingSender()
	in := NewInbound(log.NewDiscard(), testConfig(), 1, errReader{}, sender, lanes.NewQueueLengths(), nil)
	errCh := runInbound(context.Background(), in)

	m := sender.next(t)
	require.True(t, m.final)
	require.Equal(t, uint64(0), m.msg.Seq)
	require.NoError(t, waitErr(t, errCh))
}

func TestInboundKeepalive(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.KeepaliveInterval = 20 * time.Millisecond
	sender := newRecordingSender()
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	in := NewInbound(log.NewDiscard(), cfg, 1, pr, sender, lanes.NewQueueLengths(), nil)
	errCh := runInbound(ctx, in)

	m := sender.next(t)
	require.False(t, m.final)
	require.True(t, m.msg.IsKeepalive())

	// shutdown exits without a close notification
	cancel()
	require.NoError(t, waitErr(t, errCh))
	for len(sender.ch) > 0 {
		require.False(t, (<-sender.ch).final)
	}
}

func TestInboundOutboundClosed(t *testing.T) {
	t.Parallel()
	sender := newRecordingSender()
	pr, pw := io.Pipe()
	defer pw.Close()

	outboundDone := make(chan struct{})
	close(outboundDone)
	in := NewInbound(log.NewDiscard(), testConfig(), 3, pr, sender, lanes.NewQueueLengths(), outboundDone)
	errCh := runInbound(context.Background(), in)

	m := sender.next(t)
	require.True(t, m.final)
	require.NoError(t, waitErr(t, errCh))
	sender.none(t, 20*time.Millisecond)
}

func TestInboundAbort(t *testing.T) {
	t.Parallel()
	sender := newRecordingSender()
	r, w := io.Pipe()
	defer w.Close()
	in := NewInbound(log.NewDiscard(), testConfig(), 4, r, sender, lanes.NewQueueLengths(), nil)
	errCh := make(chan error, 1)
	go func() {
		errCh <- in.Run(context.Background())
	}()

	in.Abort()
	in.Abort()
	m := sender.next(t)
	require.True(t, m.final)
	require.Equal(t, uint64(0), m.msg.Seq)
	require.NoError(t, waitErr(t, errCh))
	require.Equal(t, Terminated, in.State())
	sender.none(t, 20*time.Millisecond)
}

func TestInboundBackpressure(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.LowWaterMark = 2
	sender := newRecordingSender()
	queues := lanes.NewQueueLengths()
	lane := lanes.ConnectionLane(5)
	queues.Set(lane, 10)

	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := NewInbound(log.NewDiscard(), cfg, 5, pr, sender, queues, nil)
	errCh := runInbound(ctx, in)

	// nothing is read while the lane is congested
	written := make(chan struct{})
	go func() {
		pw.Write([]byte("data"))
		close(written)
	}()
	select {
	case <-written:
		t.Fatal("read while the lane was congested")
	case <-time.After(50 * time.Millisecond):
	}

	queues.Set(lane, 2)
	m := sender.next(t)
	require.Equal(t, []byte("data"), m.msg.Data)

	cancel()
	pw.Close()
	require.NoError(t, waitErr(t, errCh))
}

func TestInboundLaneWaitTimeout(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.LowWaterMark = 0
	cfg.LaneWaitTimeout = 10 * time.Millisecond
	sender := newRecordingSender()
	queues := lanes.NewQueueLengths()
	queues.Set(lanes.ConnectionLane(5), 10)

	in := NewInbound(log.NewDiscard(), cfg, 5, bytes.NewReader([]byte("x")), sender, queues, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := runInbound(ctx, in)

	// the congested lane delays the read but does not stall it
	m := sender.next(t)
	require.Equal(t, []byte("x"), m.msg.Data)
	m = sender.next(t)
	require.True(t, m.final)

	// the lane never drains, so the runner stays in closing
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, Closing, in.State())
	queues.Set(lanes.ConnectionLane(5), 0)
	require.NoError(t, waitErr(t, errCh))
}

func TestInboundDrainTimeout(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DrainTimeout = 20 * time.Millisecond
	cfg.LaneWaitTimeout = time.Millisecond
	sender := newRecordingSender()
	queues := lanes.NewQueueLengths()
	queues.Set(lanes.ConnectionLane(9), 1000)

	in := NewInbound(log.NewDiscard(), cfg, 9, bytes.NewReader(nil), sender, queues, nil)
	errCh := runInbound(context.Background(), in)
	require.True(t, sender.next(t).final)
	require.NoError(t, waitErr(t, errCh))
}

func TestInboundSendFailure(t *testing.T) {
	t.Parallel()
	failing := MixSenderFunc(func(context.Context, lanes.ConnectionID, []byte, bool) error {
		return errors.New("queue halted")
	})
	in := NewInbound(log.NewDiscard(), testConfig(), 1, bytes.NewReader([]byte("x")), failing, lanes.NewQueueLengths(), nil)
	err := waitErr(t, runInbound(context.Background(), in))
	require.ErrorIs(t, err, ErrSendFailed)
}

func encode(t *testing.T, m *ordered.Message) []byte {
	b, err := m.Marshal()
	require.NoError(t, err)
	return b
}

type syncBuffer struct {
	sync.Mutex
	bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.Lock()
	defer b.Unlock()
	return b.Buffer.Write(p)
}

func (b *syncBuffer) String() string {
	b.Lock()
	defer b.Unlock()
	return b.Buffer.String()
}

func TestOutboundReorders(t *testing.T) {
	t.Parallel()
	w := new(syncBuffer)
	incoming := make(chan []byte, 8)
	out := NewOutbound(log.NewDiscard(), testConfig(), 1, w, incoming, nil)

	incoming <- encode(t, &ordered.Message{Seq: 1, Data: []byte("def")})
	incoming <- []byte("garbage")
	incoming <- encode(t, &ordered.Message{Seq: 0, Data: []byte("abc")})
	incoming <- encode(t, &ordered.Message{Seq: 0, Data: []byte("abc")})
	incoming <- encode(t, &ordered.Message{Seq: 2, Final: true})

	errCh := make(chan error, 1)
	go func() {
		errCh <- out.Run(context.Background())
	}()
	require.NoError(t, waitErr(t, errCh))
	require.Equal(t, "abcdef", w.String())
	<-out.Done()
}

func TestOutboundInactivity(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.InactivityTimeout = 20 * time.Millisecond
	out := NewOutbound(log.NewDiscard(), cfg, 1, io.Discard, make(chan []byte), nil)
	errCh := make(chan error, 1)
	go func() {
		errCh <- out.Run(context.Background())
	}()
	require.NoError(t, waitErr(t, errCh))
}

func TestOutboundInactivityBehindGap(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.InactivityTimeout = 50 * time.Millisecond
	incoming := make(chan []byte)
	out := NewOutbound(log.NewDiscard(), cfg, 1, io.Discard, incoming, nil)
	errCh := make(chan error, 1)
	go func() {
		errCh <- out.Run(context.Background())
	}()

	// keepalives keep arriving but seq 0 never does
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for seq := uint64(1); ; seq++ {
			b, _ := (&ordered.Message{Seq: seq}).Marshal()
			select {
			case incoming <- b:
			case <-stop:
				return
			case <-out.Done():
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("outbound kept running with a permanent gap")
	}
}

func TestOutboundKeepaliveIsProgress(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.InactivityTimeout = 100 * time.Millisecond
	incoming := make(chan []byte)
	out := NewOutbound(log.NewDiscard(), cfg, 1, io.Discard, incoming, nil)
	errCh := make(chan error, 1)
	go func() {
		errCh <- out.Run(context.Background())
	}()

	// in order keepalives for three times the timeout
	for seq := uint64(0); seq < 15; seq++ {
		incoming <- encode(t, &ordered.Message{Seq: seq})
		time.Sleep(20 * time.Millisecond)
	}
	select {
	case <-errCh:
		t.Fatal("outbound timed out despite in order keepalives")
	default:
	}
	incoming <- encode(t, &ordered.Message{Seq: 15, Final: true})
	require.NoError(t, waitErr(t, errCh))
}

func TestOutboundInboundGone(t *testing.T) {
	t.Parallel()
	inboundDone := make(chan struct{})
	out := NewOutbound(log.NewDiscard(), testConfig(), 1, io.Discard, make(chan []byte), inboundDone)
	errCh := make(chan error, 1)
	go func() {
		errCh <- out.Run(context.Background())
	}()
	close(inboundDone)
	require.NoError(t, waitErr(t, errCh))
}

func TestConnectionEcho(t *testing.T) {
	t.Parallel()
	local, remote := net.Pipe()
	incoming := make(chan []byte, 64)
	var finals int
	var lock sync.Mutex
	// the remote end echoes every message back
	echo := MixSenderFunc(func(ctx context.Context, id lanes.ConnectionID, data []byte, final bool) error {
		if final {
			lock.Lock()
			finals++
			lock.Unlock()
		}
		incoming <- data
		return nil
	})

	conn := NewConnection(log.NewDiscard(), testConfig(), 11, remote, incoming, echo, lanes.NewQueueLengths())
	errCh := make(chan error, 1)
	go func() {
		errCh <- conn.Run(context.Background())
	}()

	_, err := local.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(local, buf)
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), buf)

	require.NoError(t, local.Close())
	require.NoError(t, waitErr(t, errCh))
	require.Equal(t, Terminated, conn.Inbound().State())

	lock.Lock()
	defer lock.Unlock()
	require.Equal(t, 1, finals)
}
