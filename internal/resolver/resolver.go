// Package resolver defines the place resolver contract and its lazy,
// shared initialization.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"placecache/internal/core/model"
)

var (
	ErrNotInitialized = errors.New("resolver not initialized")
	ErrResolver       = errors.New("resolver failure")
)

type Interface interface {
	// Lookup returns candidate places per input point, best match first.
	// The outer slice is index-aligned with points; an inner slice may be
	// empty when nothing is near that point.
	Lookup(ctx context.Context, points []model.Point, maxResults int) ([][]model.RawPlace, error)
	Name() string
}

type Factory func(ctx context.Context) (Interface, error)

type box struct{ r Interface }

// Lazy defers expensive resolver construction (dataset loads take tens of
// seconds) until initialization is triggered, and shares one in-flight
// build across goroutines. A failed build leaves the wrapper cold so a
// later trigger retries.
type Lazy struct {
	factory Factory
	log     *slog.Logger
	initCtx context.Context
	sf      singleflight.Group
	cur     atomic.Pointer[box]
}

// NewLazy wraps factory. ctx bounds every initialization attempt,
// including ones kicked off by cold lookups; pass the process context,
// not a request context.
func NewLazy(ctx context.Context, factory Factory, logger *slog.Logger) *Lazy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lazy{factory: factory, log: logger, initCtx: ctx}
}

func (l *Lazy) Ready() bool {
	return l.cur.Load() != nil
}

// Get returns the resolver, or ErrNotInitialized while it is still being
// built. A cold Get triggers a background build so the service heals
// without operator action.
func (l *Lazy) Get() (Interface, error) {
	if b := l.cur.Load(); b != nil {
		return b.r, nil
	}
	l.InitAsync()
	return nil, ErrNotInitialized
}

// Init builds the resolver now. Concurrent callers share a single build.
func (l *Lazy) Init() error {
	if l.Ready() {
		return nil
	}
	_, err, _ := l.sf.Do("init", func() (any, error) {
		if b := l.cur.Load(); b != nil {
			return b.r, nil
		}
		r, err := l.factory(l.initCtx)
		if err != nil {
			return nil, err
		}
		l.cur.Store(&box{r: r})
		l.log.Info("resolver initialized", "driver", r.Name())
		return r, nil
	})
	if err != nil {
		return fmt.Errorf("resolver init: %w", err)
	}
	return nil
}

// InitAsync triggers initialization without blocking the caller.
func (l *Lazy) InitAsync() {
	if l.Ready() {
		return
	}
	go func() {
		if err := l.Init(); err != nil {
			l.log.Error("resolver init failed", "err", err)
		}
	}()
}
