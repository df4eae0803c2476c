package station

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type fakeTransport struct {
	delay    time.Duration
	card     Card
	status   Status
	fail     error
	inflight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeTransport) enter(ctx context.Context) error {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	select {
	case <-time.After(f.delay):
		return f.fail
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Status(ctx context.Context) (Status, error) {
	return f.status, f.enter(ctx)
}

func (f *fakeTransport) ReadCard(ctx context.Context) (Card, error) {
	return f.card, f.enter(ctx)
}

func (f *fakeTransport) InitCard(ctx context.Context, _, _ int) (int64, error) {
	return f.status.Clock, f.enter(ctx)
}

func (f *fakeTransport) Close() error { return nil }

func TestRefreshComputesDrift(t *testing.T) {
	ft := &fakeTransport{status: Status{Number: 7, Mode: ModeOperating, Clock: 1_000_010}}
	st := New(ft, 0xabc, time.Second)
	st.now = func() time.Time { return time.Unix(1_000_000, 0) }

	require.NoError(t, st.Refresh(context.Background()))
	assert.Equal(t, 7, st.Number())
	assert.Equal(t, ModeOperating, st.Mode())
	assert.Equal(t, int64(1_000_010), st.Clock())
	assert.Equal(t, int64(10), st.Drift())
}

func TestReadCardPageKeepsLastCard(t *testing.T) {
	card := Card{InitTime: 50, TeamNumber: 12, TeamMask: 0b11, Marks: []Mark{{Point: 3, Time: 70}}}
	st := New(&fakeTransport{card: card}, 1, time.Second)

	assert.True(t, st.ReadCardPage(context.Background()))
	assert.Equal(t, card, st.LastCard())
}

func TestTimeoutIsTransportError(t *testing.T) {
	st := New(&fakeTransport{delay: time.Second}, 1, 20*time.Millisecond)

	_, err := st.ReadCard(context.Background())
	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "read card", terr.Op)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, st.ReadCardPage(context.Background()))
}

func TestFailureIsTransportError(t *testing.T) {
	st := New(&fakeTransport{fail: errors.New("link lost")}, 1, time.Second)

	_, err := st.InitCard(context.Background(), 1, 1)
	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.Contains(t, err.Error(), "link lost")
}

func TestOneOperationInFlight(t *testing.T) {
	ft := &fakeTransport{delay: 5 * time.Millisecond}
	st := New(ft, 1, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = st.ReadCard(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ft.maxSeen.Load())
}

func TestParseMAC(t *testing.T) {
	mac, err := ParseMAC("00:21:13:04:5A:7B")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x002113045a7b), mac)

	_, err = ParseMAC("bogus")
	assert.Error(t, err)
}

func serveBridge(t *testing.T, conn net.Conn, handle func(bridgeRequest) bridgeReply) {
	t.Helper()
	go func() {
		dec := msgpack.NewDecoder(conn)
		enc := msgpack.NewEncoder(conn)
		for {
			var req bridgeRequest
			if err := dec.Decode(&req); err != nil {
				return
			}
			rep := handle(req)
			if err := enc.Encode(&rep); err != nil {
				return
			}
		}
	}()
}

func TestBridgeRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	serveBridge(t, server, func(req bridgeRequest) bridgeReply {
		switch req.Op {
		case opStatus:
			return bridgeReply{Status: Status{Number: 4, Mode: ModeFinish, Clock: 900}}
		case opReadCard:
			return bridgeReply{Card: Card{InitTime: 100, TeamNumber: 21, TeamMask: 5, Marks: []Mark{{Point: 4, Time: 800}}}}
		case opInitCard:
			if req.Team == 0 {
				return bridgeReply{Err: "no team"}
			}
			return bridgeReply{InitTime: 950}
		}
		return bridgeReply{Err: "unknown op"}
	})

	st := New(NewBridge(client), 9, time.Second)
	defer st.Close()

	require.NoError(t, st.Refresh(context.Background()))
	assert.Equal(t, 4, st.Number())
	assert.Equal(t, ModeFinish, st.Mode())

	card, err := st.ReadCard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 21, card.TeamNumber)
	require.Len(t, card.Marks, 1)
	assert.Equal(t, 4, card.Marks[0].Point)

	initTime, err := st.InitCard(context.Background(), 21, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(950), initTime)
	assert.Equal(t, int64(950), st.Clock())

	_, err = st.InitCard(context.Background(), 0, 5)
	assert.ErrorContains(t, err, "no team")
}

func TestBridgeSilentPeerTimesOut(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go func() {
		// Swallow the request and never answer.
		_ = msgpack.NewDecoder(server).Decode(&bridgeRequest{})
	}()

	st := New(NewBridge(client), 9, 30*time.Millisecond)
	defer st.Close()

	err := st.Refresh(context.Background())
	var terr *TransportError
	assert.True(t, errors.As(err, &terr))
}

// lateReader answers the first read card request after delay and every
// other request at once.
func lateReader(delay time.Duration) func(bridgeRequest) bridgeReply {
	var reads atomic.Int32
	return func(req bridgeRequest) bridgeReply {
		switch req.Op {
		case opStatus:
			return bridgeReply{Status: Status{Number: 4, Mode: ModeOperating, Clock: 900}}
		case opReadCard:
			if reads.Add(1) == 1 {
				time.Sleep(delay)
			}
			return bridgeReply{Card: Card{InitTime: 100, TeamNumber: 21, TeamMask: 1}}
		}
		return bridgeReply{Err: "unknown op"}
	}
}

func TestBridgeDropsConnectionAfterTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	serveBridge(t, server, lateReader(150*time.Millisecond))

	st := New(NewBridge(client), 9, 50*time.Millisecond)
	defer st.Close()
	require.NoError(t, st.Refresh(context.Background()))

	_, err := st.ReadCard(context.Background())
	var terr *TransportError
	require.ErrorAs(t, err, &terr)

	// The late card reply must never be taken as a status reply.
	time.Sleep(200 * time.Millisecond)
	err = st.Refresh(context.Background())
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, ErrBridgeDown)
	assert.Equal(t, 4, st.Number())
	assert.Equal(t, int64(900), st.Clock())
	assert.Zero(t, st.LastCard().TeamNumber)
}

func TestBridgeRedialsAfterTimeout(t *testing.T) {
	var dials atomic.Int32
	handle := lateReader(150 * time.Millisecond)
	dial := func(context.Context) (net.Conn, error) {
		dials.Add(1)
		client, server := net.Pipe()
		t.Cleanup(func() { _ = server.Close() })
		serveBridge(t, server, handle)
		return client, nil
	}
	conn, err := dial(context.Background())
	require.NoError(t, err)
	b := NewBridge(conn)
	b.dial = dial

	st := New(b, 9, 50*time.Millisecond)
	defer st.Close()

	_, err = st.ReadCard(context.Background())
	var terr *TransportError
	require.ErrorAs(t, err, &terr)

	require.NoError(t, st.Refresh(context.Background()))
	assert.Equal(t, int32(2), dials.Load())
	assert.Equal(t, 4, st.Number())

	card, err := st.ReadCard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 21, card.TeamNumber)

	require.NoError(t, st.Close())
	err = st.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrBridgeDown)
	assert.Equal(t, int32(2), dials.Load())
}
