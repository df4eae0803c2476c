package chips

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Source is the station an event was captured from.
type Source interface {
	MAC() uint64
	Clock() int64
	Drift() int64
	Number() int
	Mode() int
}

// Appender durably appends a batch of events, all or nothing.
type Appender interface {
	AppendBatch(ctx context.Context, events []ChipEvent) error
}

// Chips is the ordered in-memory log of chip events for the session.
// Insertion order approximates real-world order.
type Chips struct {
	mu     sync.Mutex
	events []ChipEvent

	// flushMu keeps a single flush in flight.
	flushMu sync.Mutex
}

// New returns an empty ledger.
func New() *Chips {
	return &Chips{events: []ChipEvent{}}
}

// Restore appends events reloaded from storage. They are already durable.
func (c *Chips) Restore(events ...ChipEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range events {
		e.status = StatusSaved
		c.events = append(c.events, e)
	}
}

// Record captures a new event read by src. The point number is not checked
// against the distance: a station may report points the distance lacks.
func (c *Chips) Record(src Source, initTime int64, teamNumber, teamMask, pointNumber int, pointTime int64) ChipEvent {
	e := ChipEvent{
		StationMAC:    src.MAC(),
		StationTime:   src.Clock(),
		TimeDrift:     src.Drift(),
		StationNumber: src.Number(),
		StationMode:   src.Mode(),
		InitTime:      initTime,
		TeamNumber:    teamNumber,
		TeamMask:      teamMask,
		PointNumber:   pointNumber,
		PointTime:     pointTime,
		status:        StatusNew,
	}

	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	return e
}

// Flush submits every unsaved event, in order, as one batch. On success the
// submitted events become saved; on failure none change and the error is
// returned for the caller to retry later. It returns the number of events
// saved. With nothing to save the appender is not called.
func (c *Chips) Flush(ctx context.Context, store Appender) (int, error) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	var (
		batch   []ChipEvent
		indexes []int
	)
	for i, e := range c.events {
		if e.status == StatusNew {
			batch = append(batch, e)
			indexes = append(indexes, i)
		}
	}
	c.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	if err := store.AppendBatch(ctx, batch); err != nil {
		return 0, fmt.Errorf("flush %d chip events: %w", len(batch), err)
	}

	// The log is append-only, so indexes taken above are still valid.
	c.mu.Lock()
	for _, i := range indexes {
		c.events[i].status = StatusSaved
	}
	c.mu.Unlock()

	return len(batch), nil
}

// Size returns the number of events in the ledger.
func (c *Chips) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// Unsaved returns the number of events not yet durable.
func (c *Chips) Unsaved() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.status == StatusNew {
			n++
		}
	}
	return n
}

// At returns the event at position pos counted from the most recent one.
// Position 0 is the latest event. Positions past the oldest event clamp to
// the oldest, negative ones to the latest, so a list refreshed during
// concurrent appends never fails. ok is false only for an empty ledger.
func (c *Chips) At(pos int) (e ChipEvent, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.events)
	if n == 0 {
		return ChipEvent{}, false
	}
	i := n - pos - 1
	if i < 0 {
		i = 0
	}
	if i >= n {
		i = n - 1
	}
	return c.events[i], true
}

// TeamNumber returns the team number at position pos (see At).
func (c *Chips) TeamNumber(pos int) int {
	e, _ := c.At(pos)
	return e.TeamNumber
}

// TeamMask returns the team members mask at position pos (see At).
func (c *Chips) TeamMask(pos int) int {
	e, _ := c.At(pos)
	return e.TeamMask
}

// TeamTime returns the visit time at position pos (see At).
func (c *Chips) TeamTime(pos int) int64 {
	e, _ := c.At(pos)
	return e.PointTime
}

// LastTeamVisits builds a ledger with one event per team: its latest visit
// of point. Events are ordered by visit time so position 0 is the team that
// came last.
func (c *Chips) LastTeamVisits(point int) *Chips {
	c.mu.Lock()
	last := make(map[int]ChipEvent)
	for _, e := range c.events {
		if e.PointNumber != point {
			continue
		}
		if prev, ok := last[e.TeamNumber]; !ok || e.PointTime >= prev.PointTime {
			last[e.TeamNumber] = e
		}
	}
	c.mu.Unlock()

	visits := make([]ChipEvent, 0, len(last))
	for _, e := range last {
		visits = append(visits, e)
	}
	sort.Slice(visits, func(i, j int) bool {
		if visits[i].PointTime != visits[j].PointTime {
			return visits[i].PointTime < visits[j].PointTime
		}
		return visits[i].TeamNumber < visits[j].TeamNumber
	})
	return &Chips{events: visits}
}

// Events returns a copy of the ledger contents in insertion order.
func (c *Chips) Events() []ChipEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChipEvent, len(c.events))
	copy(out, c.events)
	return out
}
