// Package distance describes a raid: its points, discounts and the policy
// for replacing a loaded distance with a fresh download.
//
// A Distance is populated once (InitPoints, AddPoint, InitDiscounts,
// AddDiscount) and must not be read concurrently with population. After
// Validate succeeds it is treated as read-only and can be shared freely.
package distance

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ReloadGrace is how long after the finish a read-only raid may be discarded.
const ReloadGrace = 30 * 24 * time.Hour

// ErrReloadRefused is returned when a live distance would be discarded.
var ErrReloadRefused = errors.New("distance is read-only and still in progress, reload refused")

// PointType is the role of a point on the distance.
type PointType int

const (
	PointStart PointType = iota + 1
	PointFinish
	PointMandatory
	PointOptional
	PointTransit
)

func (t PointType) valid() bool {
	return t >= PointStart && t <= PointTransit
}

// Raid is the distance header downloaded from the raid website.
type Raid struct {
	ID             int    `msgpack:"id" json:"raidID"`
	Name           string `msgpack:"name" json:"raidName"`
	TimeDownloaded int64  `msgpack:"dl" json:"timeDownloaded"`
	TimeReadonly   int64  `msgpack:"ro" json:"timeReadonly"`
	TimeFinish     int64  `msgpack:"fin" json:"timeFinish"`

	// Authorization used for the download, kept to restore the session.
	UserEmail    string `msgpack:"email" json:"userEmail"`
	UserPassword string `msgpack:"pass" json:"-"`
	TestSite     int    `msgpack:"test" json:"testSite"`
}

// Point is an active point of the distance.
type Point struct {
	Type    PointType `msgpack:"type" json:"type"`
	Penalty int       `msgpack:"penalty" json:"penalty"`
	Start   int64     `msgpack:"start" json:"start"`
	End     int64     `msgpack:"end" json:"end"`
	Name    string    `msgpack:"name" json:"name"`
}

// NumberedPoint is a Point together with its number.
type NumberedPoint struct {
	Number int `json:"number"`
	Point
}

// Discount is a time credit for skipping points From..To.
type Discount struct {
	Minutes int `msgpack:"min" json:"minutes"`
	From    int `msgpack:"from" json:"from"`
	To      int `msgpack:"to" json:"to"`
}

// Distance is a raid with its points and discounts.
type Distance struct {
	raid Raid

	pointsReady bool
	maxPoint    int
	points      map[int]Point

	discountsReady bool
	discountSlots  int
	discounts      []Discount
}

// New returns a distance with no points and no discounts.
func New(raid Raid) *Distance {
	return &Distance{raid: raid}
}

// Raid returns the distance header.
func (d *Distance) Raid() Raid { return d.raid }

// MaxPoint returns the highest point number.
func (d *Distance) MaxPoint() int { return d.maxPoint }

// InitPoints prepares points 0..maxPoint and sets point 0, the pseudo point
// where chips are initialized.
func (d *Distance) InitPoints(maxPoint int, initChipsPoint string) {
	d.pointsReady = true
	d.maxPoint = maxPoint
	d.points = map[int]Point{0: {Name: initChipsPoint}}
}

// AddPoint sets point number index. It refuses an index outside 1..MaxPoint,
// a second point with the same number, or a call before InitPoints.
func (d *Distance) AddPoint(index int, p Point) bool {
	if !d.pointsReady {
		return false
	}
	if index <= 0 || index > d.maxPoint {
		return false
	}
	if _, ok := d.points[index]; ok {
		return false
	}
	d.points[index] = p
	return true
}

// InitDiscounts prepares room for n discounts.
func (d *Distance) InitDiscounts(n int) {
	d.discountsReady = true
	d.discountSlots = n
	d.discounts = make([]Discount, 0, n)
}

// AddDiscount appends a discount while room is left.
func (d *Distance) AddDiscount(disc Discount) bool {
	if !d.discountsReady || len(d.discounts) >= d.discountSlots {
		return false
	}
	d.discounts = append(d.discounts, disc)
	return true
}

// Point returns point number n.
func (d *Distance) Point(n int) (Point, bool) {
	p, ok := d.points[n]
	return p, ok
}

// PointType returns the type of point n, or -1 for an unknown point.
func (d *Distance) PointType(n int) PointType {
	p, ok := d.points[n]
	if !ok {
		return -1
	}
	return p.Type
}

// Points returns points 1..MaxPoint that are set, in number order.
func (d *Distance) Points() []NumberedPoint {
	out := make([]NumberedPoint, 0, len(d.points))
	for n, p := range d.points {
		if n == 0 {
			continue
		}
		out = append(out, NumberedPoint{Number: n, Point: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// PointNames returns the names of all points including point 0.
func (d *Distance) PointNames() []string {
	names := make([]string, 0, len(d.points))
	if p, ok := d.points[0]; ok {
		names = append(names, p.Name)
	}
	for _, p := range d.Points() {
		names = append(names, p.Name)
	}
	return names
}

// Discounts returns a copy of the discounts.
func (d *Distance) Discounts() []Discount {
	out := make([]Discount, len(d.discounts))
	copy(out, d.discounts)
	return out
}

// DownloadDate formats the download time for display.
func (d *Distance) DownloadDate() string {
	return time.Unix(d.raid.TimeDownloaded, 0).Format("02.01.2006 15:04")
}

// CanBeReloaded reports whether the distance and its data may be replaced
// by a new download at now. A distance that never got its timestamps can
// always go. Otherwise reload is allowed before the raid turns read-only,
// and again once ReloadGrace has passed after the finish.
func (d *Distance) CanBeReloaded(now time.Time) bool {
	return CanBeReloaded(now, d.raid.TimeReadonly, d.raid.TimeFinish)
}

// CanBeReloaded is the reload policy over raw unix timestamps.
func CanBeReloaded(now time.Time, timeReadonly, timeFinish int64) bool {
	if timeReadonly == 0 || timeFinish == 0 {
		return true
	}
	ts := now.Unix()
	if ts < timeReadonly {
		return true
	}
	return ts > timeFinish+int64(ReloadGrace/time.Second)
}

// HasErrors reports whether Validate finds a problem.
func (d *Distance) HasErrors() bool {
	return d.Validate() != nil
}

// Validate checks the distance and returns the first problem found as a
// *ValidationError.
func (d *Distance) Validate() error {
	r := d.raid
	switch {
	case r.ID <= 0:
		return invalid("raid id %d is not positive", r.ID)
	case r.TimeReadonly <= 0:
		return invalid("readonly time is not set")
	case r.TimeFinish <= 0:
		return invalid("finish time is not set")
	case r.TimeFinish <= r.TimeReadonly:
		return invalid("finish time %d is not after readonly time %d", r.TimeFinish, r.TimeReadonly)
	case r.Name == "":
		return invalid("raid name is empty")
	}

	if !d.pointsReady || d.maxPoint < 1 {
		return invalid("no points loaded")
	}
	if _, ok := d.points[0]; !ok {
		return invalid("chip init point is missing")
	}
	if _, ok := d.points[d.maxPoint]; !ok {
		return invalid("last point %d is missing", d.maxPoint)
	}
	for _, np := range d.Points() {
		p := np.Point
		if !p.Type.valid() {
			return invalid("point %d has unknown type %d", np.Number, p.Type)
		}
		if p.Penalty < 0 {
			return invalid("point %d has negative penalty %d", np.Number, p.Penalty)
		}
		if p.Start > 0 && p.End > 0 && p.End < p.Start {
			return invalid("point %d closes before it opens", np.Number)
		}
		if p.Name == "" {
			return invalid("point %d has no name", np.Number)
		}
	}

	if !d.discountsReady {
		return invalid("no discounts loaded")
	}
	if len(d.discounts) != d.discountSlots {
		return invalid("%d of %d discounts loaded", len(d.discounts), d.discountSlots)
	}
	for i, disc := range d.discounts {
		if disc.Minutes <= 0 {
			return invalid("discount %d has value %d min", i, disc.Minutes)
		}
		if disc.From <= 0 || disc.From > d.maxPoint || disc.To <= 0 || disc.To > d.maxPoint {
			return invalid("discount %d interval %d-%d is out of range", i, disc.From, disc.To)
		}
		if disc.From >= disc.To {
			return invalid("discount %d interval %d-%d is empty", i, disc.From, disc.To)
		}
		if _, ok := d.points[disc.From]; !ok {
			return invalid("discount %d starts at missing point %d", i, disc.From)
		}
		if _, ok := d.points[disc.To]; !ok {
			return invalid("discount %d ends at missing point %d", i, disc.To)
		}
	}
	return nil
}

// ValidationError describes why a distance cannot be used.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid distance: " + e.Reason
}

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}
