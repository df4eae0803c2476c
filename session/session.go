// Package session holds the state shared by the whole service: the
// connected station, the active distance, the site authorization and the
// chip event ledger.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/mmb-raid/sportiduino/chips"
	"github.com/mmb-raid/sportiduino/distance"
	"github.com/mmb-raid/sportiduino/station"
	"github.com/mmb-raid/sportiduino/store"
)

// ErrNoStation is returned by station operations while none is connected.
var ErrNoStation = errors.New("no station connected")

// ErrBlankChip is returned when the chip read carries no initialization.
var ErrBlankChip = errors.New("chip is not initialized")

// Auth is the raid website account used to download the distance.
type Auth struct {
	Email    string `json:"email"`
	Password string `json:"-"`
	TestSite int    `json:"testSite"`
}

// Session is the process-wide state.
type Session struct {
	id     ksuid.KSUID
	gw     store.Gateway
	ledger *chips.Chips
	log    *zap.Logger

	// replaceMu serializes distance replacement so the stored and the
	// active distance agree.
	replaceMu sync.Mutex
	dist      atomic.Pointer[distance.Distance]

	mu         sync.RWMutex
	st         *station.Station
	auth       Auth
	teamNumber int
	teamMask   int
}

// New returns an empty session over gw.
func New(gw store.Gateway, log *zap.Logger) *Session {
	id := ksuid.New()
	return &Session{
		id:     id,
		gw:     gw,
		ledger: chips.New(),
		log:    log.With(zap.String("session", id.String())),
	}
}

// ID identifies this run of the service in logs.
func (s *Session) ID() string { return s.id.String() }

// Chips returns the event ledger.
func (s *Session) Chips() *chips.Chips { return s.ledger }

// Restore loads the saved distance and chip events. A stored distance that
// fails validation is dropped with a warning; the session then starts with
// no distance.
func (s *Session) Restore(ctx context.Context) error {
	d, err := s.gw.LoadDistance(ctx)
	switch {
	case errors.Is(err, store.ErrNoDistance):
		s.log.Info("no saved distance")
	case err != nil:
		return err
	default:
		if verr := d.Validate(); verr != nil {
			s.log.Warn("saved distance rejected", zap.Error(verr))
			break
		}
		s.dist.Store(d)
		raid := d.Raid()
		s.SetAuth(Auth{Email: raid.UserEmail, Password: raid.UserPassword, TestSite: raid.TestSite})
		s.log.Info("distance restored",
			zap.Int("raid", raid.ID),
			zap.String("name", raid.Name),
			zap.Int("maxPoint", d.MaxPoint()),
		)
	}

	events, err := s.gw.LoadEvents(ctx)
	if err != nil {
		return err
	}
	s.ledger.Restore(events...)
	s.log.Info("chip events restored", zap.Int("count", len(events)))
	return nil
}

// Distance returns the active distance, or nil.
func (s *Session) Distance() *distance.Distance {
	return s.dist.Load()
}

// ReplaceDistance makes d the active distance. d must validate, the active
// distance must allow a reload at now, and d must be saved. On any error
// the active distance is unchanged.
func (s *Session) ReplaceDistance(ctx context.Context, d *distance.Distance, now time.Time) error {
	if err := d.Validate(); err != nil {
		return err
	}

	s.replaceMu.Lock()
	defer s.replaceMu.Unlock()
	if cur := s.dist.Load(); cur != nil && !cur.CanBeReloaded(now) {
		return distance.ErrReloadRefused
	}
	if err := s.gw.SaveDistance(ctx, d); err != nil {
		return err
	}
	s.dist.Store(d)

	raid := d.Raid()
	s.log.Info("distance replaced", zap.Int("raid", raid.ID), zap.String("name", raid.Name))
	return nil
}

// Auth returns the raid website account.
func (s *Session) Auth() Auth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auth
}

// SetAuth records the raid website account.
func (s *Session) SetAuth(a Auth) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = a
}

// ChipInitTeam returns the team number and mask last used for chip
// initialization.
func (s *Session) ChipInitTeam() (number, mask int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.teamNumber, s.teamMask
}

// SetChipInitTeam stores the team number and mask for chip initialization.
func (s *Session) SetChipInitTeam(number, mask int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teamNumber = number
	s.teamMask = mask
}

// Station returns the connected station, or nil.
func (s *Session) Station() *station.Station {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st
}

// SetStation replaces the connected station and closes the previous one.
// A nil st disconnects.
func (s *Session) SetStation(st *station.Station) {
	s.mu.Lock()
	old := s.st
	s.st = st
	s.mu.Unlock()

	if old != nil && old != st {
		if err := old.Close(); err != nil {
			s.log.Warn("close station", zap.Error(err))
		}
	}
}

func (s *Session) station() (*station.Station, error) {
	st := s.Station()
	if st == nil {
		return nil, ErrNoStation
	}
	return st, nil
}

// ReadChip reads the chip at the station and records its init event and
// every mark it carries. A chip without init time or team is rejected with
// ErrBlankChip and nothing is recorded.
func (s *Session) ReadChip(ctx context.Context) ([]chips.ChipEvent, error) {
	st, err := s.station()
	if err != nil {
		return nil, err
	}
	card, err := st.ReadCard(ctx)
	if err != nil {
		return nil, err
	}
	if card.InitTime <= 0 || card.TeamNumber <= 0 {
		return nil, fmt.Errorf("%w: init time %d, team %d", ErrBlankChip, card.InitTime, card.TeamNumber)
	}

	events := make([]chips.ChipEvent, 0, len(card.Marks)+1)
	events = append(events, s.ledger.Record(st, card.InitTime, card.TeamNumber, card.TeamMask, 0, card.InitTime))
	for _, m := range card.Marks {
		events = append(events, s.ledger.Record(st, card.InitTime, card.TeamNumber, card.TeamMask, m.Point, m.Time))
	}
	s.log.Debug("chip read",
		zap.Int("team", card.TeamNumber),
		zap.Int("members", chips.MembersCount(card.TeamMask)),
		zap.Int("marks", len(card.Marks)),
	)
	return events, nil
}

// InitChip initializes a chip for the team and records the point 0 event.
func (s *Session) InitChip(ctx context.Context, teamNumber, teamMask int) (chips.ChipEvent, error) {
	if teamNumber <= 0 {
		return chips.ChipEvent{}, fmt.Errorf("team number %d must be positive", teamNumber)
	}
	if chips.MembersCount(teamMask) == 0 {
		return chips.ChipEvent{}, fmt.Errorf("team mask %#x has no members", teamMask)
	}
	st, err := s.station()
	if err != nil {
		return chips.ChipEvent{}, err
	}
	s.SetChipInitTeam(teamNumber, teamMask)

	initTime, err := st.InitCard(ctx, teamNumber, teamMask)
	if err != nil {
		return chips.ChipEvent{}, err
	}
	e := s.ledger.Record(st, initTime, teamNumber, teamMask, 0, initTime)
	s.log.Info("chip initialized", zap.Int("team", teamNumber), zap.Int("mask", teamMask))
	return e, nil
}

// Save writes unsaved chip events to the store.
func (s *Session) Save(ctx context.Context) (int, error) {
	return s.ledger.Flush(ctx, s.gw)
}

// SyncLoop saves chip events every interval until ctx is done, then saves
// once more with a fresh context.
func (s *Session) SyncLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			n, err := s.Save(final)
			cancel()
			if err != nil {
				s.log.Error("final chip save failed", zap.Error(err), zap.Int("unsaved", s.ledger.Unsaved()))
				return
			}
			s.log.Info("final chip save", zap.Int("saved", n))
			return
		case <-ticker.C:
			n, err := s.Save(ctx)
			if err != nil {
				s.log.Error("chip save failed", zap.Error(err), zap.Int("unsaved", s.ledger.Unsaved()))
				continue
			}
			if n > 0 {
				s.log.Debug("chips saved", zap.Int("saved", n))
			}
		}
	}
}

// Close disconnects the station.
func (s *Session) Close() {
	s.SetStation(nil)
}
