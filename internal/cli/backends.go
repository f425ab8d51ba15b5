package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/lockstep/internal/bus"
	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/journal"
	"github.com/roach88/lockstep/internal/pgstore"
	"github.com/roach88/lockstep/internal/store"
)

// resources holds what the commands open from config. Close releases them
// in reverse order.
type resources struct {
	archive journal.Backend
	index   *store.Store
	broker  bus.Broker
	closers []func()
}

func (r *resources) onClose(fn func()) {
	r.closers = append(r.closers, fn)
}

func (r *resources) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// openArchive opens the configured archive backend. It leaves r.archive
// nil when archiving is disabled.
func (r *resources) openArchive(ctx context.Context, cfg config.Archive) error {
	switch cfg.Backend {
	case "", config.ArchiveNone:
		return nil
	case config.ArchiveFile:
		b, err := journal.NewFileBackend(cfg.Dir)
		if err != nil {
			return fmt.Errorf("open file archive: %w", err)
		}
		r.archive = b
	case config.ArchiveSQLite:
		st, err := store.Open(cfg.Path)
		if err != nil {
			return fmt.Errorf("open sqlite archive: %w", err)
		}
		r.onClose(func() {
			if err := st.Close(); err != nil {
				slog.Error("error closing archive database", "error", err)
			}
		})
		r.archive = st.Archives()
	case config.ArchivePostgres:
		b, err := pgstore.Open(ctx, cfg.DSN)
		if err != nil {
			return fmt.Errorf("open postgres archive: %w", err)
		}
		r.onClose(b.Close)
		r.archive = b
	default:
		return fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
	return nil
}

// openIndex opens the session index at path, if any.
func (r *resources) openIndex(path string) error {
	if path == "" {
		return nil
	}
	st, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("open session index: %w", err)
	}
	r.onClose(func() {
		if err := st.Close(); err != nil {
			slog.Error("error closing session index", "error", err)
		}
	})
	r.index = st
	return nil
}

// openBroker connects the configured broker.
func (r *resources) openBroker(ctx context.Context, cfg config.Broker) error {
	if cfg.Kind != config.BrokerRedis {
		m := bus.NewMemory()
		r.onClose(func() { m.Close() })
		r.broker = m
		return nil
	}
	b, err := bus.NewRedis(ctx, cfg.RedisAddr, cfg.Prefix)
	if err != nil {
		return fmt.Errorf("connect redis broker: %w", err)
	}
	r.onClose(func() {
		if err := b.Close(); err != nil {
			slog.Error("error closing redis broker", "error", err)
		}
	})
	r.broker = b
	return nil
}
