package store

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/dgraph-io/badger/v3"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/mmb-raid/sportiduino/chips"
	"github.com/mmb-raid/sportiduino/distance"
	"github.com/mmb-raid/sportiduino/models"
)

// Key layout:
//
//	event/<seq>         msgpack chips.ChipEvent, seq is 8-byte big endian
//	eventid/<identity>  event key, makes appends idempotent
//	distance            msgpack distanceRecord
//	user/<username>     msgpack models.User
var (
	eventPrefix   = []byte("event/")
	eventIDPrefix = []byte("eventid/")
	distanceKey   = []byte("distance")
	userPrefix    = []byte("user/")
	eventSeqKey   = []byte("seq/event")
)

// Badger is the embedded local store.
type Badger struct {
	db  *badger.DB
	seq *badger.Sequence
	log *zap.Logger

	// mu serializes writers so concurrent batches never conflict.
	mu sync.Mutex
}

// OpenBadger opens the store in dir, or in memory when dir is empty.
func OpenBadger(dir string, log *zap.Logger) (*Badger, error) {
	quiet := log.Named("badger").WithOptions(zap.IncreaseLevel(zap.WarnLevel))
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{quiet.Sugar()})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fail("open badger", err)
	}
	seq, err := db.GetSequence(eventSeqKey, 100)
	if err != nil {
		_ = db.Close()
		return nil, fail("open badger", err)
	}
	return &Badger{db: db, seq: seq, log: log}, nil
}

func eventKey(n uint64) []byte {
	key := make([]byte, len(eventPrefix)+8)
	copy(key, eventPrefix)
	binary.BigEndian.PutUint64(key[len(eventPrefix):], n)
	return key
}

func prefixed(prefix []byte, s string) []byte {
	return append(append([]byte{}, prefix...), s...)
}

func (b *Badger) AppendBatch(_ context.Context, events []chips.ChipEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.db.Update(func(txn *badger.Txn) error {
		seen := make(map[string]struct{}, len(events))
		for _, e := range events {
			id := e.Identity()
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}

			idKey := prefixed(eventIDPrefix, id)
			_, err := txn.Get(idKey)
			if err == nil {
				continue
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			n, err := b.seq.Next()
			if err != nil {
				return err
			}
			buf, err := msgpack.Marshal(e)
			if err != nil {
				return err
			}
			key := eventKey(n)
			if err := txn.Set(key, buf); err != nil {
				return err
			}
			if err := txn.Set(idKey, key); err != nil {
				return err
			}
		}
		return nil
	})
	return fail("save chip events", err)
}

func (b *Badger) LoadEvents(_ context.Context) ([]chips.ChipEvent, error) {
	events := []chips.ChipEvent{}
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(eventPrefix); it.ValidForPrefix(eventPrefix); it.Next() {
			var e chips.ChipEvent
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			events = append(events, e)
		}
		return nil
	})
	if err != nil {
		return nil, fail("load chip events", err)
	}
	return events, nil
}

func (b *Badger) SaveDistance(_ context.Context, d *distance.Distance) error {
	buf, err := msgpack.Marshal(toRecord(d))
	if err != nil {
		return fail("save distance", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return fail("save distance", b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(distanceKey, buf)
	}))
}

func (b *Badger) LoadDistance(_ context.Context) (*distance.Distance, error) {
	var rec distanceRecord
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(distanceKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNoDistance
	}
	if err != nil {
		return nil, fail("load distance", err)
	}
	return fromRecord(rec), nil
}

func userKey(username string) []byte {
	return prefixed(userPrefix, NormalizeUsername(username))
}

func (b *Badger) SaveUser(_ context.Context, u models.User) error {
	u.Username = NormalizeUsername(u.Username)
	buf, err := msgpack.Marshal(u)
	if err != nil {
		return fail("save user", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return fail("save user", b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(userKey(u.Username), buf)
	}))
}

func (b *Badger) UserByName(_ context.Context, username string) (models.User, error) {
	var u models.User
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userKey(username))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &u)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return u, ErrNoUser
	}
	if err != nil {
		return u, fail("load user", err)
	}
	return u, nil
}

// Close compacts the value log and closes the database.
func (b *Badger) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.seq.Release(); err != nil {
		b.log.Warn("release event sequence", zap.Error(err))
	}
	if err := b.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		b.log.Debug("run value log gc", zap.Error(err))
	}
	return fail("close badger", b.db.Close())
}

// badgerLogger routes badger's own logging to zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
