package models

import "github.com/uptrace/bun"

// ChipEvent is a durable chip initialization or point visit.
// The identity columns are unique so retried saves insert nothing.
type ChipEvent struct {
	bun.BaseModel `bun:"table:chip_events,alias:ce"`

	ID            int64 `bun:"id,pk,autoincrement" json:"id"`
	StationMAC    int64 `bun:"station_mac,notnull,unique:chip_events_identity" json:"stationMAC"`
	StationTime   int64 `bun:"station_time,notnull" json:"stationTime"`
	TimeDrift     int64 `bun:"time_drift,notnull" json:"timeDrift"`
	StationNumber int   `bun:"station_number,notnull" json:"stationNumber"`
	StationMode   int   `bun:"station_mode,notnull" json:"stationMode"`
	InitTime      int64 `bun:"init_time,notnull,unique:chip_events_identity" json:"initTime"`
	TeamNumber    int   `bun:"team_number,notnull,unique:chip_events_identity" json:"teamNumber"`
	TeamMask      int   `bun:"team_mask,notnull" json:"teamMask"`
	PointNumber   int   `bun:"point_number,notnull,unique:chip_events_identity" json:"pointNumber"`
	PointTime     int64 `bun:"point_time,notnull,unique:chip_events_identity" json:"pointTime"`
}
