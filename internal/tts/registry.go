package tts

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrRegistryClosed is returned by Acquire after Close.
var ErrRegistryClosed = errors.New("pipeline registry closed")

// Factory builds the pipeline for a voice profile.
type Factory func(ctx context.Context, profile string) (*Service, error)

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// Capacity bounds live pipelines; the least recently used one is
	// retired when a new profile needs room. Defaults to 1.
	Capacity int
	// InitTimeout bounds a single construction independently of the
	// callers waiting for it. Defaults to 10 minutes.
	InitTimeout time.Duration
	// Cleanup removes a pipeline's generated outputs when it is retired.
	Cleanup bool
	Logger  *slog.Logger
}

type entry struct {
	profile string
	svc     *Service
	refs    int
	retired bool
	elem    *list.Element
}

// Registry owns the synthesis pipelines. Each profile's pipeline is built at
// most once at a time: concurrent first callers share one construction and
// its result. Failed constructions are not cached.
type Registry struct {
	factory Factory
	opts    RegistryOptions
	log     *slog.Logger
	group   singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used
	closed  bool
}

// NewRegistry returns an empty registry.
func NewRegistry(factory Factory, opts RegistryOptions) *Registry {
	if opts.Capacity < 1 {
		opts.Capacity = 1
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Registry{
		factory: factory,
		opts:    opts,
		log:     opts.Logger,
		entries: make(map[string]*entry),
		lru:     list.New(),
	}
}

// Acquire returns the ready pipeline for profile, building it if needed.
// The caller must call release when done with the pipeline; a retired
// pipeline is cleaned up only after its last user releases it.
//
// ctx bounds only the wait: cancelling it returns ctx.Err() while the
// construction carries on for other callers.
func (r *Registry) Acquire(ctx context.Context, profile string) (*Service, func(), error) {
	for {
		if svc, release, ok, err := r.lookup(profile); err != nil || ok {
			return svc, release, err
		}

		ch := r.group.DoChan(profile, func() (any, error) {
			return r.build(profile)
		})

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				return nil, nil, res.Err
			}
		}
		// Built; loop to take a reference. If it was retired in between,
		// the next lookup misses and triggers a fresh build.
	}
}

func (r *Registry) lookup(profile string) (*Service, func(), bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, nil, false, ErrRegistryClosed
	}
	e, ok := r.entries[profile]
	if !ok {
		return nil, nil, false, nil
	}

	e.refs++
	r.lru.MoveToFront(e.elem)

	var once sync.Once
	return e.svc, func() { once.Do(func() { r.release(e) }) }, true, nil
}

func (r *Registry) build(profile string) (*Service, error) {
	r.mu.Lock()
	if e, ok := r.entries[profile]; ok {
		r.mu.Unlock()
		return e.svc, nil
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.InitTimeout)
	defer cancel()

	start := time.Now()
	r.log.Info("initializing pipeline", slog.String("voice", profile))
	svc, err := r.factory(ctx, profile)
	if err != nil {
		return nil, err
	}
	r.log.Info("pipeline initialized",
		slog.String("voice", profile),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	var evicted []*entry

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.retire(&entry{profile: profile, svc: svc})
		return nil, ErrRegistryClosed
	}
	e := &entry{profile: profile, svc: svc}
	e.elem = r.lru.PushFront(e)
	r.entries[profile] = e
	for r.lru.Len() > r.opts.Capacity {
		old := r.lru.Back().Value.(*entry)
		evicted = append(evicted, r.detach(old))
	}
	r.mu.Unlock()

	for _, old := range evicted {
		if old != nil {
			r.log.Info("evicting pipeline", slog.String("voice", old.profile))
			r.retire(old)
		}
	}

	return svc, nil
}

// detach removes e from the pool. It returns e when nobody holds it and it
// can be retired now; otherwise the last release retires it. Callers hold
// r.mu.
func (r *Registry) detach(e *entry) *entry {
	r.lru.Remove(e.elem)
	delete(r.entries, e.profile)
	e.retired = true
	if e.refs > 0 {
		return nil
	}
	return e
}

func (r *Registry) release(e *entry) {
	r.mu.Lock()
	e.refs--
	done := e.retired && e.refs == 0
	r.mu.Unlock()

	if done {
		r.retire(e)
	}
}

// retire closes a detached pipeline. Generated outputs are purged only when
// no pipeline for the profile is live; r.mu is held across the purge.
func (r *Registry) retire(e *entry) {
	if r.opts.Cleanup {
		r.mu.Lock()
		if _, live := r.entries[e.profile]; live {
			r.log.Info("skipping cleanup; profile has a live pipeline", slog.String("voice", e.profile))
		} else {
			e.svc.Cleanup()
		}
		r.mu.Unlock()
	}
	if err := e.svc.Close(); err != nil {
		r.log.Warn("close pipeline", slog.String("voice", e.profile), slog.String("error", err.Error()))
	}
}

// Profiles lists the profiles with a live pipeline, most recently used
// first.
func (r *Registry) Profiles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, r.lru.Len())
	for el := r.lru.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).profile)
	}
	return out
}

// Close retires every pipeline. Pipelines still in use are retired when
// released. Acquire fails with ErrRegistryClosed afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	var idle []*entry
	for el := r.lru.Front(); el != nil; {
		next := el.Next()
		if e := r.detach(el.Value.(*entry)); e != nil {
			idle = append(idle, e)
		}
		el = next
	}
	r.mu.Unlock()

	for _, e := range idle {
		r.retire(e)
	}
	return nil
}
