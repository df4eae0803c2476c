// Package station talks to a Sportiduino base station: its clock, mode and
// the chip read/initialize primitives.
package station

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Station modes.
const (
	ModeInitChips = 0
	ModeOperating = 1
	ModeFinish    = 2
)

// DefaultTimeout bounds a single station operation.
const DefaultTimeout = 5 * time.Second

// Status is the station state reported by the hardware.
type Status struct {
	Number int   `msgpack:"number" json:"number"`
	Mode   int   `msgpack:"mode" json:"mode"`
	Clock  int64 `msgpack:"clock" json:"clock"`
}

// Mark is a chip visit of a point.
type Mark struct {
	Point int   `msgpack:"point" json:"point"`
	Time  int64 `msgpack:"time" json:"time"`
}

// Card is the content of a chip as read by the station.
type Card struct {
	InitTime   int64  `msgpack:"init" json:"initTime"`
	TeamNumber int    `msgpack:"team" json:"teamNumber"`
	TeamMask   int    `msgpack:"mask" json:"teamMask"`
	Marks      []Mark `msgpack:"marks" json:"marks"`

	// StationTime is the station clock when the chip was read, if reported.
	StationTime int64 `msgpack:"clock" json:"stationTime"`
}

// Transport carries station commands over some link.
// Implementations must give up when ctx is done.
type Transport interface {
	Status(ctx context.Context) (Status, error)
	ReadCard(ctx context.Context) (Card, error)
	InitCard(ctx context.Context, teamNumber, teamMask int) (int64, error)
	Close() error
}

// TransportError reports a failed or expired station operation.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("station %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Station is a connected station. Only one operation runs at a time.
type Station struct {
	t       Transport
	mac     uint64
	timeout time.Duration
	now     func() time.Time

	io sync.Mutex

	mu       sync.RWMutex
	number   int
	mode     int
	clock    int64
	drift    int64
	lastCard Card
}

// New wraps t. A zero timeout means DefaultTimeout.
func New(t Transport, mac uint64, timeout time.Duration) *Station {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Station{t: t, mac: mac, timeout: timeout, now: time.Now}
}

// ParseMAC converts a Bluetooth address such as 00:21:13:04:5A:7B.
func ParseMAC(s string) (uint64, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return 0, err
	}
	if len(hw) != 6 {
		return 0, fmt.Errorf("station: %q is not a 48-bit address", s)
	}
	var mac uint64
	for _, b := range hw {
		mac = mac<<8 | uint64(b)
	}
	return mac, nil
}

func (s *Station) MAC() uint64 { return s.mac }

func (s *Station) Number() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.number
}

func (s *Station) Mode() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// Clock is the last station clock reading, unix seconds.
func (s *Station) Clock() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clock
}

// Drift is station clock minus local clock at the last reading, seconds.
func (s *Station) Drift() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.drift
}

// LastCard returns the chip read by the last successful ReadCard.
func (s *Station) LastCard() Card {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCard
}

// Refresh reads station number, mode and clock.
func (s *Station) Refresh(ctx context.Context) error {
	return s.do(ctx, "status", func(ctx context.Context) error {
		st, err := s.t.Status(ctx)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.number = st.Number
		s.mode = st.Mode
		s.mu.Unlock()
		s.setClock(st.Clock)
		return nil
	})
}

// ReadCard reads the chip placed on the station.
func (s *Station) ReadCard(ctx context.Context) (Card, error) {
	var card Card
	err := s.do(ctx, "read card", func(ctx context.Context) error {
		c, err := s.t.ReadCard(ctx)
		if err != nil {
			return err
		}
		card = c
		s.mu.Lock()
		s.lastCard = c
		s.mu.Unlock()
		if c.StationTime > 0 {
			s.setClock(c.StationTime)
		}
		return nil
	})
	return card, err
}

// ReadCardPage reads the chip and reports success; see LastCard.
func (s *Station) ReadCardPage(ctx context.Context) bool {
	_, err := s.ReadCard(ctx)
	return err == nil
}

// InitCard writes team number and members mask to a fresh chip and
// returns the initialization time set by the station.
func (s *Station) InitCard(ctx context.Context, teamNumber, teamMask int) (int64, error) {
	var initTime int64
	err := s.do(ctx, "init card", func(ctx context.Context) error {
		t, err := s.t.InitCard(ctx, teamNumber, teamMask)
		if err != nil {
			return err
		}
		initTime = t
		s.setClock(t)
		return nil
	})
	return initTime, err
}

// Close releases the link.
func (s *Station) Close() error {
	s.io.Lock()
	defer s.io.Unlock()
	return s.t.Close()
}

func (s *Station) setClock(clock int64) {
	s.mu.Lock()
	s.clock = clock
	s.drift = clock - s.now().Unix()
	s.mu.Unlock()
}

func (s *Station) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	s.io.Lock()
	defer s.io.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := fn(ctx)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w: %v", ctxErr, err)
	}
	return &TransportError{Op: op, Err: err}
}
