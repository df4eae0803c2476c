package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmb-raid/sportiduino/chips"
	"github.com/mmb-raid/sportiduino/distance"
	"github.com/mmb-raid/sportiduino/station"
	"github.com/mmb-raid/sportiduino/store"
)

const (
	readonly = int64(1_700_000_000)
	finish   = readonly + 3*24*3600
)

type fakeTransport struct {
	card    station.Card
	initAt  int64
	readErr error
}

func (f *fakeTransport) Status(context.Context) (station.Status, error) {
	return station.Status{Number: 4, Mode: station.ModeOperating, Clock: time.Now().Unix()}, nil
}

func (f *fakeTransport) ReadCard(context.Context) (station.Card, error) {
	return f.card, f.readErr
}

func (f *fakeTransport) InitCard(context.Context, int, int) (int64, error) {
	return f.initAt, nil
}

func (f *fakeTransport) Close() error { return nil }

// flakyStore fails chip appends while fail is set and distance saves while
// failDistance is set.
type flakyStore struct {
	store.Gateway
	fail         bool
	failDistance bool
}

func (f *flakyStore) SaveDistance(ctx context.Context, d *distance.Distance) error {
	if f.failDistance {
		return &store.PersistenceError{Op: "save distance", Err: errors.New("disk full")}
	}
	return f.Gateway.SaveDistance(ctx, d)
}

func (f *flakyStore) AppendBatch(ctx context.Context, events []chips.ChipEvent) error {
	if f.fail {
		return &store.PersistenceError{Op: "save chip events", Err: errors.New("disk full")}
	}
	return f.Gateway.AppendBatch(ctx, events)
}

func newSession(t *testing.T) (*Session, *store.Badger) {
	t.Helper()
	gw, err := store.OpenBadger("", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })
	return New(gw, zap.NewNop()), gw
}

func raidDistance(t *testing.T, id int, name string) *distance.Distance {
	t.Helper()
	d := distance.New(distance.Raid{
		ID:           id,
		Name:         name,
		TimeReadonly: readonly,
		TimeFinish:   finish,
		UserEmail:    "judge@example.org",
		UserPassword: "secret",
		TestSite:     1,
	})
	d.InitPoints(2, "Chip init")
	require.True(t, d.AddPoint(1, distance.Point{Type: distance.PointStart, Name: "Start"}))
	require.True(t, d.AddPoint(2, distance.Point{Type: distance.PointFinish, Name: "Finish"}))
	d.InitDiscounts(0)
	return d
}

func TestReplaceDistancePolicy(t *testing.T) {
	ctx := context.Background()
	s, gw := newSession(t)

	first := raidDistance(t, 1, "first")
	require.NoError(t, s.ReplaceDistance(ctx, first, time.Unix(readonly-60, 0)))
	assert.Same(t, first, s.Distance())

	// During the race the loaded distance is kept.
	second := raidDistance(t, 2, "second")
	err := s.ReplaceDistance(ctx, second, time.Unix(readonly+3600, 0))
	assert.ErrorIs(t, err, distance.ErrReloadRefused)
	assert.Same(t, first, s.Distance())

	// Thirty days after the finish it can be replaced.
	later := time.Unix(finish, 0).Add(distance.ReloadGrace + time.Hour)
	require.NoError(t, s.ReplaceDistance(ctx, second, later))
	assert.Same(t, second, s.Distance())

	saved, err := gw.LoadDistance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, saved.Raid().ID)
}

func TestReplaceDistanceKeepsActiveWhenSaveFails(t *testing.T) {
	ctx := context.Background()
	base, err := store.OpenBadger("", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = base.Close() })
	flaky := &flakyStore{Gateway: base}
	s := New(flaky, zap.NewNop())

	first := raidDistance(t, 1, "first")
	require.NoError(t, s.ReplaceDistance(ctx, first, time.Unix(readonly-60, 0)))

	flaky.failDistance = true
	err = s.ReplaceDistance(ctx, raidDistance(t, 2, "second"), time.Unix(readonly-30, 0))
	var perr *store.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Same(t, first, s.Distance())

	saved, err := base.LoadDistance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Raid().ID)
}

func TestConcurrentReplaceDistanceAgreesWithStore(t *testing.T) {
	ctx := context.Background()
	s, gw := newSession(t)
	now := time.Unix(readonly-60, 0)

	var wg sync.WaitGroup
	for id := 1; id <= 8; id++ {
		d := raidDistance(t, id, "raid")
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.ReplaceDistance(ctx, d, now))
		}()
	}
	wg.Wait()

	saved, err := gw.LoadDistance(ctx)
	require.NoError(t, err)
	require.NotNil(t, s.Distance())
	assert.Equal(t, s.Distance().Raid().ID, saved.Raid().ID)
}

func TestReplaceDistanceRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	s, _ := newSession(t)

	bad := distance.New(distance.Raid{ID: 5, Name: "bad", TimeReadonly: readonly, TimeFinish: finish})
	bad.InitPoints(1, "Chip init")
	bad.InitDiscounts(0)

	err := s.ReplaceDistance(ctx, bad, time.Now())
	var verr *distance.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Nil(t, s.Distance())
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	s, gw := newSession(t)

	require.NoError(t, gw.SaveDistance(ctx, raidDistance(t, 9, "MMB")))
	require.NoError(t, gw.AppendBatch(ctx, []chips.ChipEvent{
		{StationMAC: 1, InitTime: 10, TeamNumber: 3, TeamMask: 1, PointNumber: 0, PointTime: 10},
		{StationMAC: 1, InitTime: 10, TeamNumber: 3, TeamMask: 1, PointNumber: 2, PointTime: 50},
	}))

	require.NoError(t, s.Restore(ctx))
	require.NotNil(t, s.Distance())
	assert.Equal(t, 9, s.Distance().Raid().ID)
	assert.Equal(t, Auth{Email: "judge@example.org", Password: "secret", TestSite: 1}, s.Auth())
	assert.Equal(t, 2, s.Chips().Size())
	assert.Zero(t, s.Chips().Unsaved())
	assert.Equal(t, int64(50), s.Chips().TeamTime(0))
}

func TestRestoreDropsInvalidDistance(t *testing.T) {
	ctx := context.Background()
	s, gw := newSession(t)

	bad := distance.New(distance.Raid{ID: 9, Name: "MMB", TimeReadonly: finish, TimeFinish: readonly})
	bad.InitPoints(1, "Chip init")
	bad.AddPoint(1, distance.Point{Type: distance.PointStart, Name: "S"})
	bad.InitDiscounts(0)
	require.NoError(t, gw.SaveDistance(ctx, bad))

	require.NoError(t, s.Restore(ctx))
	assert.Nil(t, s.Distance())
}

func TestStationOperationsNeedStation(t *testing.T) {
	s, _ := newSession(t)

	_, err := s.ReadChip(context.Background())
	assert.ErrorIs(t, err, ErrNoStation)
	_, err = s.InitChip(context.Background(), 1, 1)
	assert.ErrorIs(t, err, ErrNoStation)
}

func TestReadChipRecordsMarks(t *testing.T) {
	ctx := context.Background()
	s, _ := newSession(t)

	ft := &fakeTransport{card: station.Card{
		InitTime:   1000,
		TeamNumber: 12,
		TeamMask:   0b0111,
		Marks:      []station.Mark{{Point: 1, Time: 2000}, {Point: 3, Time: 2600}},
	}}
	s.SetStation(station.New(ft, 0x11, time.Second))

	events, err := s.ReadChip(ctx)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, 0, events[0].PointNumber)
	assert.Equal(t, int64(1000), events[0].PointTime)
	assert.Equal(t, 3, events[2].PointNumber)

	assert.Equal(t, 3, s.Chips().Unsaved())
	assert.Equal(t, 12, s.Chips().TeamNumber(0))
	assert.Equal(t, int64(2600), s.Chips().TeamTime(0))
}

func TestReadChipFailureRecordsNothing(t *testing.T) {
	s, _ := newSession(t)
	s.SetStation(station.New(&fakeTransport{readErr: errors.New("no chip")}, 0x11, time.Second))

	_, err := s.ReadChip(context.Background())
	var terr *station.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Zero(t, s.Chips().Size())
}

func TestReadChipRejectsBlankChip(t *testing.T) {
	for name, card := range map[string]station.Card{
		"empty":   {},
		"no team": {InitTime: 1000, TeamMask: 1, Marks: []station.Mark{{Point: 1, Time: 2000}}},
		"no init": {TeamNumber: 12, TeamMask: 1},
	} {
		t.Run(name, func(t *testing.T) {
			s, _ := newSession(t)
			s.SetStation(station.New(&fakeTransport{card: card}, 0x11, time.Second))

			events, err := s.ReadChip(context.Background())
			assert.ErrorIs(t, err, ErrBlankChip)
			assert.Empty(t, events)
			assert.Zero(t, s.Chips().Size())
			assert.Zero(t, s.Chips().Unsaved())
		})
	}
}

func TestInitChip(t *testing.T) {
	s, _ := newSession(t)
	s.SetStation(station.New(&fakeTransport{initAt: 1_700_000_000}, 0x11, time.Second))

	_, err := s.InitChip(context.Background(), 7, 0)
	assert.Error(t, err)

	e, err := s.InitChip(context.Background(), 7, 0b11)
	require.NoError(t, err)
	assert.Equal(t, 0, e.PointNumber)
	assert.Equal(t, int64(1_700_000_000), e.InitTime)
	assert.Equal(t, uint64(0x11), e.StationMAC)

	number, mask := s.ChipInitTeam()
	assert.Equal(t, 7, number)
	assert.Equal(t, 0b11, mask)
}

func TestSaveRetriesAfterFailure(t *testing.T) {
	ctx := context.Background()
	base, err := store.OpenBadger("", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = base.Close() })
	flaky := &flakyStore{Gateway: base, fail: true}
	s := New(flaky, zap.NewNop())
	s.SetStation(station.New(&fakeTransport{initAt: 500}, 0x11, time.Second))

	_, err = s.InitChip(ctx, 1, 1)
	require.NoError(t, err)

	_, err = s.Save(ctx)
	var perr *store.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, s.Chips().Unsaved())

	flaky.fail = false
	n, err := s.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events, err := base.LoadEvents(ctx)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSyncLoopSavesOnShutdown(t *testing.T) {
	s, gw := newSession(t)
	s.SetStation(station.New(&fakeTransport{initAt: 500}, 0x11, time.Second))
	_, err := s.InitChip(context.Background(), 1, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.SyncLoop(ctx, time.Hour)
		close(done)
	}()
	cancel()
	<-done

	assert.Zero(t, s.Chips().Unsaved())
	events, err := gw.LoadEvents(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
