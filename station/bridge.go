package station

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Bridge is a Transport over a serial-to-TCP bridge in front of the
// station's Bluetooth port. Each command is one msgpack request followed by
// one msgpack reply.
//
// Any I/O failure leaves the stream at an unknown frame boundary, so the
// connection is dropped. The next command redials when the bridge was made
// by Dial and fails with ErrBridgeDown otherwise.
type Bridge struct {
	mu   sync.Mutex
	dial func(ctx context.Context) (net.Conn, error)
	conn net.Conn
	enc  *msgpack.Encoder
	dec  *msgpack.Decoder
}

// ErrBridgeDown is returned after the bridge connection was lost or closed.
var ErrBridgeDown = errors.New("bridge connection lost")

type bridgeRequest struct {
	Op   string `msgpack:"op"`
	Team int    `msgpack:"team,omitempty"`
	Mask int    `msgpack:"mask,omitempty"`
}

type bridgeReply struct {
	Err      string `msgpack:"err,omitempty"`
	Status   Status `msgpack:"status"`
	Card     Card   `msgpack:"card"`
	InitTime int64  `msgpack:"init,omitempty"`
}

// Bridge commands.
const (
	opStatus   = "status"
	opReadCard = "read"
	opInitCard = "init"
)

// NewBridge speaks the bridge protocol over conn.
func NewBridge(conn net.Conn) *Bridge {
	b := &Bridge{}
	b.attach(conn)
	return b
}

// Dial connects to a bridge at addr and reads the initial station status.
// A lost connection is redialed on the next command.
func Dial(ctx context.Context, addr string, mac uint64, timeout time.Duration) (*Station, error) {
	dial := func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
	conn, err := dial(ctx)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	b := NewBridge(conn)
	b.dial = dial

	st := New(b, mac, timeout)
	if err := st.Refresh(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	return st, nil
}

func (b *Bridge) attach(conn net.Conn) {
	b.conn = conn
	b.enc = msgpack.NewEncoder(conn)
	b.dec = msgpack.NewDecoder(conn)
}

// drop closes a connection whose stream can no longer be trusted.
func (b *Bridge) drop() {
	if b.conn == nil {
		return
	}
	_ = b.conn.Close()
	b.conn, b.enc, b.dec = nil, nil, nil
}

func (b *Bridge) Status(ctx context.Context) (Status, error) {
	rep, err := b.call(ctx, bridgeRequest{Op: opStatus})
	return rep.Status, err
}

func (b *Bridge) ReadCard(ctx context.Context) (Card, error) {
	rep, err := b.call(ctx, bridgeRequest{Op: opReadCard})
	return rep.Card, err
}

func (b *Bridge) InitCard(ctx context.Context, teamNumber, teamMask int) (int64, error) {
	rep, err := b.call(ctx, bridgeRequest{Op: opInitCard, Team: teamNumber, Mask: teamMask})
	if err != nil {
		return 0, err
	}
	if rep.InitTime <= 0 {
		return 0, errors.New("bridge returned no init time")
	}
	return rep.InitTime, nil
}

// Close closes the connection and stops redialing.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dial = nil
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn, b.enc, b.dec = nil, nil, nil
	return err
}

func (b *Bridge) call(ctx context.Context, req bridgeRequest) (bridgeReply, error) {
	var rep bridgeReply

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		if b.dial == nil {
			return rep, ErrBridgeDown
		}
		conn, err := b.dial(ctx)
		if err != nil {
			return rep, fmt.Errorf("redial: %w", err)
		}
		b.attach(conn)
	}
	conn := b.conn

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		b.drop()
		return rep, err
	}
	// Unblock pending I/O if ctx is cancelled before its deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := b.enc.Encode(&req); err != nil {
		b.drop()
		return rep, fmt.Errorf("send %s: %w", req.Op, err)
	}
	if err := b.dec.Decode(&rep); err != nil {
		b.drop()
		return rep, fmt.Errorf("receive %s: %w", req.Op, err)
	}
	if rep.Err != "" {
		return rep, errors.New(rep.Err)
	}
	return rep, nil
}
