package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/uptrace/bun"

	"github.com/mmb-raid/sportiduino/chips"
	"github.com/mmb-raid/sportiduino/distance"
	"github.com/mmb-raid/sportiduino/models"
)

// Postgres keeps the same data in PostgreSQL through bun.
type Postgres struct {
	db *bun.DB

	// mu keeps one write transaction at a time.
	mu sync.Mutex
}

// NewPostgres wraps an open database with created tables.
func NewPostgres(db *bun.DB) *Postgres {
	return &Postgres{db: db}
}

func toRows(events []chips.ChipEvent) []models.ChipEvent {
	seen := make(map[string]struct{}, len(events))
	rows := make([]models.ChipEvent, 0, len(events))
	for _, e := range events {
		id := e.Identity()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		rows = append(rows, models.ChipEvent{
			StationMAC:    int64(e.StationMAC),
			StationTime:   e.StationTime,
			TimeDrift:     e.TimeDrift,
			StationNumber: e.StationNumber,
			StationMode:   e.StationMode,
			InitTime:      e.InitTime,
			TeamNumber:    e.TeamNumber,
			TeamMask:      e.TeamMask,
			PointNumber:   e.PointNumber,
			PointTime:     e.PointTime,
		})
	}
	return rows
}

func (p *Postgres) AppendBatch(ctx context.Context, events []chips.ChipEvent) error {
	rows := toRows(events)
	if len(rows) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fail("save chip events", err)
	}
	defer tx.Rollback()

	// Rows already saved by an earlier attempt are skipped.
	if _, err := tx.NewInsert().Model(&rows).On("CONFLICT DO NOTHING").Exec(ctx); err != nil {
		return fail("save chip events", err)
	}
	return fail("save chip events", tx.Commit())
}

func (p *Postgres) LoadEvents(ctx context.Context) ([]chips.ChipEvent, error) {
	var rows []models.ChipEvent
	if err := p.db.NewSelect().Model(&rows).Order("id ASC").Scan(ctx); err != nil {
		return nil, fail("load chip events", err)
	}
	events := make([]chips.ChipEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, chips.ChipEvent{
			StationMAC:    uint64(r.StationMAC),
			StationTime:   r.StationTime,
			TimeDrift:     r.TimeDrift,
			StationNumber: r.StationNumber,
			StationMode:   r.StationMode,
			InitTime:      r.InitTime,
			TeamNumber:    r.TeamNumber,
			TeamMask:      r.TeamMask,
			PointNumber:   r.PointNumber,
			PointTime:     r.PointTime,
		})
	}
	return events, nil
}

// SaveDistance replaces the stored distance in one transaction.
func (p *Postgres) SaveDistance(ctx context.Context, d *distance.Distance) error {
	rec := toRecord(d)

	raid := &models.Raid{
		RaidID:         rec.Raid.ID,
		RaidName:       rec.Raid.Name,
		TimeDownloaded: rec.Raid.TimeDownloaded,
		TimeReadonly:   rec.Raid.TimeReadonly,
		TimeFinish:     rec.Raid.TimeFinish,
		MaxPoint:       rec.MaxPoint,
		UserEmail:      rec.Raid.UserEmail,
		UserPassword:   rec.Raid.UserPassword,
		TestSite:       rec.Raid.TestSite,
	}
	points := []models.Point{{Number: 0, Name: rec.InitPoint}}
	for _, pt := range rec.Points {
		points = append(points, models.Point{
			Number:  pt.Number,
			Type:    int(pt.Type),
			Penalty: pt.Penalty,
			Start:   pt.Start,
			End:     pt.End,
			Name:    pt.Name,
		})
	}
	discounts := make([]models.Discount, 0, len(rec.Discounts))
	for _, disc := range rec.Discounts {
		discounts = append(discounts, models.Discount{
			Minutes:   disc.Minutes,
			FromPoint: disc.From,
			ToPoint:   disc.To,
		})
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fail("save distance", err)
	}
	defer tx.Rollback()

	for _, model := range []interface{}{
		(*models.Raid)(nil),
		(*models.Point)(nil),
		(*models.Discount)(nil),
	} {
		if _, err := tx.NewDelete().Model(model).Where("TRUE").Exec(ctx); err != nil {
			return fail("save distance", err)
		}
	}
	if _, err := tx.NewInsert().Model(raid).Exec(ctx); err != nil {
		return fail("save distance", err)
	}
	if _, err := tx.NewInsert().Model(&points).Exec(ctx); err != nil {
		return fail("save distance", err)
	}
	if len(discounts) > 0 {
		if _, err := tx.NewInsert().Model(&discounts).Exec(ctx); err != nil {
			return fail("save distance", err)
		}
	}
	return fail("save distance", tx.Commit())
}

func (p *Postgres) LoadDistance(ctx context.Context) (*distance.Distance, error) {
	raid := &models.Raid{}
	err := p.db.NewSelect().Model(raid).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoDistance
	}
	if err != nil {
		return nil, fail("load distance", err)
	}

	var points []models.Point
	if err := p.db.NewSelect().Model(&points).Order("number ASC").Scan(ctx); err != nil {
		return nil, fail("load distance", err)
	}
	var discounts []models.Discount
	if err := p.db.NewSelect().Model(&discounts).Order("id ASC").Scan(ctx); err != nil {
		return nil, fail("load distance", err)
	}

	rec := distanceRecord{
		Raid: distance.Raid{
			ID:             raid.RaidID,
			Name:           raid.RaidName,
			TimeDownloaded: raid.TimeDownloaded,
			TimeReadonly:   raid.TimeReadonly,
			TimeFinish:     raid.TimeFinish,
			UserEmail:      raid.UserEmail,
			UserPassword:   raid.UserPassword,
			TestSite:       raid.TestSite,
		},
		MaxPoint: raid.MaxPoint,
	}
	for _, pt := range points {
		if pt.Number == 0 {
			rec.InitPoint = pt.Name
			continue
		}
		rec.Points = append(rec.Points, distance.NumberedPoint{
			Number: pt.Number,
			Point: distance.Point{
				Type:    distance.PointType(pt.Type),
				Penalty: pt.Penalty,
				Start:   pt.Start,
				End:     pt.End,
				Name:    pt.Name,
			},
		})
	}
	for _, disc := range discounts {
		rec.Discounts = append(rec.Discounts, distance.Discount{
			Minutes: disc.Minutes,
			From:    disc.FromPoint,
			To:      disc.ToPoint,
		})
	}
	return fromRecord(rec), nil
}

func (p *Postgres) SaveUser(ctx context.Context, u models.User) error {
	u.Username = NormalizeUsername(u.Username)

	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.db.NewInsert().Model(&u).
		On("CONFLICT (username) DO UPDATE SET password = EXCLUDED.password").
		Exec(ctx)
	return fail("save user", err)
}

func (p *Postgres) UserByName(ctx context.Context, username string) (models.User, error) {
	var u models.User
	err := p.db.NewSelect().Model(&u).
		Where("username = ?", NormalizeUsername(username)).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNoUser
	}
	if err != nil {
		return u, fail("load user", err)
	}
	return u, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
