// Package store persists chip events, the active distance and operator
// accounts. It is the only writer of the on-disk data.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mmb-raid/sportiduino/chips"
	"github.com/mmb-raid/sportiduino/config"
	"github.com/mmb-raid/sportiduino/db"
	"github.com/mmb-raid/sportiduino/distance"
	"github.com/mmb-raid/sportiduino/models"
)

var (
	// ErrNoDistance is returned by LoadDistance when none was saved.
	ErrNoDistance = errors.New("no distance stored")
	// ErrNoUser is returned by UserByName for an unknown account.
	ErrNoUser = errors.New("no such user")
)

// Gateway is the durable store.
//
// AppendBatch commits all events or none. An event whose identity is
// already stored is skipped without error, so a failed save can be retried.
type Gateway interface {
	AppendBatch(ctx context.Context, events []chips.ChipEvent) error
	LoadEvents(ctx context.Context) ([]chips.ChipEvent, error)
	SaveDistance(ctx context.Context, d *distance.Distance) error
	LoadDistance(ctx context.Context) (*distance.Distance, error)
	SaveUser(ctx context.Context, u models.User) error
	UserByName(ctx context.Context, username string) (models.User, error)
	Close() error
}

// PersistenceError is a failed storage operation. Its message is meant
// for the operator.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NormalizeUsername is the form usernames are stored and looked up in by
// every backend: trimmed and lower case.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func fail(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// Open returns the gateway selected by cfg.StoreDriver.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (Gateway, error) {
	switch cfg.StoreDriver {
	case config.StoreBadger:
		return OpenBadger(cfg.BadgerDir, log)
	case config.StorePostgres:
		bdb, err := db.Setup(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := db.CreateTables(ctx, bdb); err != nil {
			_ = bdb.Close()
			return nil, err
		}
		return NewPostgres(bdb), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// distanceRecord is the stored form of a distance.
type distanceRecord struct {
	Raid      distance.Raid            `msgpack:"raid"`
	MaxPoint  int                      `msgpack:"max"`
	InitPoint string                   `msgpack:"init"`
	Points    []distance.NumberedPoint `msgpack:"points"`
	Discounts []distance.Discount      `msgpack:"discounts"`
}

func toRecord(d *distance.Distance) distanceRecord {
	rec := distanceRecord{
		Raid:      d.Raid(),
		MaxPoint:  d.MaxPoint(),
		Points:    d.Points(),
		Discounts: d.Discounts(),
	}
	if p, ok := d.Point(0); ok {
		rec.InitPoint = p.Name
	}
	return rec
}

// fromRecord rebuilds the distance. The caller validates it.
func fromRecord(rec distanceRecord) *distance.Distance {
	d := distance.New(rec.Raid)
	d.InitPoints(rec.MaxPoint, rec.InitPoint)
	for _, p := range rec.Points {
		d.AddPoint(p.Number, p.Point)
	}
	d.InitDiscounts(len(rec.Discounts))
	for _, disc := range rec.Discounts {
		d.AddDiscount(disc)
	}
	return d
}
