package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmb-raid/sportiduino/chips"
	"github.com/mmb-raid/sportiduino/db"
	"github.com/mmb-raid/sportiduino/models"
)

func openPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	bdb, err := db.Open(ctx, dsn, false)
	require.NoError(t, err)
	require.NoError(t, db.CreateTables(ctx, bdb))
	for _, model := range []interface{}{
		(*models.ChipEvent)(nil),
		(*models.Raid)(nil),
		(*models.Point)(nil),
		(*models.Discount)(nil),
		(*models.User)(nil),
	} {
		_, err := bdb.NewTruncateTable().Model(model).Exec(ctx)
		require.NoError(t, err)
	}
	p := NewPostgres(bdb)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPostgresAppendBatch(t *testing.T) {
	ctx := context.Background()
	p := openPostgres(t)

	e := event(12, 3, 1_700_000_000)
	batch := []chips.ChipEvent{e, e, event(14, 3, 1_700_000_005)}
	require.NoError(t, p.AppendBatch(ctx, batch))
	require.NoError(t, p.AppendBatch(ctx, batch))

	got, err := p.LoadEvents(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 12, got[0].TeamNumber)
	assert.Equal(t, 14, got[1].TeamNumber)
}

func TestPostgresUsers(t *testing.T) {
	ctx := context.Background()
	p := openPostgres(t)

	require.NoError(t, p.SaveUser(ctx, models.User{Username: "judge", Password: "h1"}))
	require.NoError(t, p.SaveUser(ctx, models.User{Username: "judge", Password: "h2"}))

	u, err := p.UserByName(ctx, "judge")
	require.NoError(t, err)
	assert.Equal(t, "h2", u.Password)

	_, err = p.UserByName(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNoUser)

	// Same account as on the badger backend.
	require.NoError(t, p.SaveUser(ctx, models.User{Username: "Judge ", Password: "h3"}))
	u, err = p.UserByName(ctx, " JUDGE")
	require.NoError(t, err)
	assert.Equal(t, "h3", u.Password)
	assert.Equal(t, "judge", u.Username)
}
