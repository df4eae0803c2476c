// Package chips holds chip events captured from a station and the ledger
// that hands unsaved events to durable storage.
package chips

import (
	"fmt"
	"math/bits"
	"time"
)

// Status is the persistence state of a chip event.
type Status int8

const (
	// StatusNew marks an event captured in memory but not yet durable.
	StatusNew Status = iota
	// StatusSaved marks an event committed to storage.
	StatusSaved
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusSaved:
		return "saved"
	default:
		return fmt.Sprintf("status(%d)", int8(s))
	}
}

// ChipEvent is one interaction between a chip and a station:
// a chip initialization (point 0) or a checkpoint visit.
type ChipEvent struct {
	StationMAC    uint64 `msgpack:"mac" json:"stationMAC"`
	StationTime   int64  `msgpack:"st" json:"stationTime"`
	TimeDrift     int64  `msgpack:"drift" json:"timeDrift"`
	StationNumber int    `msgpack:"sn" json:"stationNumber"`
	StationMode   int    `msgpack:"mode" json:"stationMode"`
	InitTime      int64  `msgpack:"init" json:"initTime"`
	TeamNumber    int    `msgpack:"team" json:"teamNumber"`
	TeamMask      int    `msgpack:"mask" json:"teamMask"`
	PointNumber   int    `msgpack:"point" json:"pointNumber"`
	PointTime     int64  `msgpack:"pt" json:"pointTime"`

	status Status
}

// Status reports whether the event is already durable.
func (e ChipEvent) Status() Status {
	return e.status
}

// Identity is the storage key of the event. Two reads of the same
// visit produce the same identity.
func (e ChipEvent) Identity() string {
	return fmt.Sprintf("%012x/%d/%d/%d/%d",
		e.StationMAC, e.TeamNumber, e.InitTime, e.PointNumber, e.PointTime)
}

func (e ChipEvent) String() string {
	return fmt.Sprintf("team %d (mask %b) at point %d, %s, station %d",
		e.TeamNumber, e.TeamMask, e.PointNumber,
		PrintTime(e.PointTime, "02.01 15:04:05"), e.StationNumber)
}

// MembersCount returns the number of team members selected in mask.
func MembersCount(mask int) int {
	if mask < 0 {
		return 0
	}
	return bits.OnesCount(uint(mask))
}

// PrintTime formats unix seconds with the given layout in local time.
// Zero time prints as an empty string.
func PrintTime(unix int64, layout string) string {
	if unix == 0 {
		return ""
	}
	return time.Unix(unix, 0).Format(layout)
}
