package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/pebble"

	"github.com/roboricindustries/raycon-chat/pkg/logging"
)

var _ KV = (*Pebble)(nil)

// Pebble stores values in a local Pebble database under "<prefix>:<key>".
type Pebble struct {
	db     *pebble.DB
	prefix string
	log    *slog.Logger
}

// OpenPebble opens (or creates) the database at path.
func OpenPebble(path, prefix string, logger *slog.Logger) (*Pebble, error) {
	logger = logging.OrDiscard(logger)
	logger.Info("opening_pebble_db", slog.String("path", path))
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", slog.String("path", path), slog.Any("error", err))
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	if prefix == "" {
		prefix = "chat"
	}
	return &Pebble{db: db, prefix: prefix, log: logger}, nil
}

func (p *Pebble) key(k string) []byte {
	return []byte(p.prefix + ":" + k)
}

func (p *Pebble) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, closer, err := p.db.Get(p.key(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pebble get %s: %w", key, err)
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (p *Pebble) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.db.Set(p.key(key), value, pebble.Sync); err != nil {
		p.log.Error("pebble_set_failed", slog.String("key", key), slog.Any("error", err))
		return fmt.Errorf("pebble set %s: %w", key, err)
	}
	return nil
}

func (p *Pebble) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.db.Delete(p.key(key), pebble.Sync); err != nil {
		return fmt.Errorf("pebble delete %s: %w", key, err)
	}
	return nil
}

func (p *Pebble) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	p.log.Info("pebble_closed")
	return err
}
