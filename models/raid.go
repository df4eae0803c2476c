package models

import "github.com/uptrace/bun"

// Raid is the header of the active distance. The table holds one row.
type Raid struct {
	bun.BaseModel `bun:"table:raids,alias:rd"`

	RaidID         int    `bun:"raid_id,pk" json:"raidID"`
	RaidName       string `bun:"raid_name,notnull" json:"raidName"`
	TimeDownloaded int64  `bun:"time_downloaded,notnull" json:"timeDownloaded"`
	TimeReadonly   int64  `bun:"time_readonly,notnull" json:"timeReadonly"`
	TimeFinish     int64  `bun:"time_finish,notnull" json:"timeFinish"`
	MaxPoint       int    `bun:"max_point,notnull" json:"maxPoint"`
	UserEmail      string `bun:"user_email,notnull" json:"userEmail"`
	UserPassword   string `bun:"user_password,notnull" json:"-"`
	TestSite       int    `bun:"test_site,notnull,default:0" json:"testSite"`
}

// Point is an active point of the distance. Number 0 is the chip init point.
type Point struct {
	bun.BaseModel `bun:"table:points,alias:pt"`

	Number  int    `bun:"number,pk" json:"number"`
	Type    int    `bun:"type,notnull" json:"type"`
	Penalty int    `bun:"penalty,notnull" json:"penalty"`
	Start   int64  `bun:"start_time,notnull" json:"start"`
	End     int64  `bun:"end_time,notnull" json:"end"`
	Name    string `bun:"name,notnull" json:"name"`
}

// Discount is a time credit for skipping points FromPoint..ToPoint.
type Discount struct {
	bun.BaseModel `bun:"table:discounts,alias:ds"`

	ID        int `bun:"id,pk,autoincrement" json:"id"`
	Minutes   int `bun:"minutes,notnull" json:"minutes"`
	FromPoint int `bun:"from_point,notnull" json:"from"`
	ToPoint   int `bun:"to_point,notnull" json:"to"`
}
