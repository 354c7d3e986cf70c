// Package badger is the BadgerDB-backed storage.Store of the client.
//
// Records are JSON values under prefixed keys:
//
//	p/<uuid>  payloads
//	h/<id>    history entries
//	k/<uuid>  wrapped vault keys
//	m/<key>   session metadata
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/storage"
)

const (
	prefixPayload = "p/"
	prefixHistory = "h/"
	prefixKey     = "k/"
	prefixMeta    = "m/"
)

type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives badger's own log lines. Nil silences them.
	Logger *slog.Logger
}

func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

type Store struct {
	db *badger.DB
}

var _ storage.Store = (*Store)(nil)

func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Commit(ctx context.Context, b storage.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.Empty() {
		return nil
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, p := range b.Payloads {
			if err := setJSON(txn, prefixPayload+p.UUID, p); err != nil {
				return err
			}
		}
		for _, id := range b.DeletePayloads {
			if err := txn.Delete([]byte(prefixPayload + id)); err != nil {
				return err
			}
		}
		for _, h := range b.History {
			if err := setJSON(txn, prefixHistory+h.ID, h); err != nil {
				return err
			}
		}
		for _, id := range b.DeleteHistory {
			if err := txn.Delete([]byte(prefixHistory + id)); err != nil {
				return err
			}
		}
		for _, k := range b.Keys {
			if err := setJSON(txn, prefixKey+k.UUID, k); err != nil {
				return err
			}
		}
		for _, id := range b.DeleteKeys {
			if err := txn.Delete([]byte(prefixKey + id)); err != nil {
				return err
			}
		}
		for k, v := range b.Meta {
			if err := txn.Set([]byte(prefixMeta+k), common.CloneBytes(v)); err != nil {
				return err
			}
		}
		for _, k := range b.DeleteMeta {
			if err := txn.Delete([]byte(prefixMeta + k)); err != nil {
				return err
			}
		}
		return nil
	})
}

func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

func scan[T any](s *Store, prefix string) ([]T, error) {
	var out []T
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var v T
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &v)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, v)
		}
		return nil
	})
	return out, err
}

func (s *Store) LoadPayloads(context.Context) ([]models.Payload, error) {
	return scan[models.Payload](s, prefixPayload)
}

func (s *Store) LoadHistory(context.Context) ([]models.HistoryEntry, error) {
	out, err := scan[models.HistoryEntry](s, prefixHistory)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b models.HistoryEntry) int {
		if c := strings.Compare(a.ItemUUID, b.ItemUUID); c != 0 {
			return c
		}
		return a.RecordedAt.Compare(b.RecordedAt)
	})
	return out, nil
}

func (s *Store) LoadWrappedKeys(context.Context) ([]storage.WrappedKey, error) {
	return scan[storage.WrappedKey](s, prefixKey)
}

func (s *Store) GetMeta(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixMeta + key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, common.ErrorNotFound
	}
	return out, err
}

func (s *Store) ListMeta(_ context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixMeta + prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			out[strings.TrimPrefix(string(it.Item().Key()), prefixMeta)] = v
		}
		return nil
	})
	return out, err
}
