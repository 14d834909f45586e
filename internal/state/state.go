// Package state records which session owns a client name and which tunnel
// owns an HTTP host, either in memory or in Redis so several broker instances
// can share the namespace.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/matst80/portbroker/internal/obs"
)

var (
	// ErrNameTaken is returned when a client name is held by another session.
	ErrNameTaken = errors.New("name already registered")
	// ErrHostTaken is returned when an HTTP host is routed by another tunnel.
	ErrHostTaken = errors.New("host already registered")
)

// Directory abstracts ownership of names and hosts.
type Directory interface {
	ClaimSession(ctx context.Context, name, owner string) error
	ReleaseSession(ctx context.Context, name, owner string) error
	ClaimHost(ctx context.Context, host, owner string) error
	ReleaseHost(ctx context.Context, host, owner string) error
	// Refresh extends the lifetime of every claim held by this instance.
	Refresh(ctx context.Context) error
	Close() error
}

// Options selects and configures the backend.
type Options struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyTTL        time.Duration
	Prefix        string
}

// New creates either an in-memory or Redis-backed directory.
func New(opts Options) (Directory, error) {
	if opts.RedisAddr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return NewMemory(), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": opts.RedisAddr})
	return NewRedis(opts)
}

// RunMaintenance refreshes claims every interval until ctx ends.
func RunMaintenance(ctx context.Context, d Directory, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := d.Refresh(ctx); err != nil {
				obs.Error("state.refresh", obs.Fields{"err": err.Error()})
				obs.ErrorsTotal.WithLabelValues("state_refresh").Inc()
			}
		}
	}
}
