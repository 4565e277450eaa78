// Package cache implements the "roll" pattern over cache storage: load a
// persisted value when it is present and valid, otherwise generate it and
// persist the result.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/freewebtopdf/toolvm/internal/storage"
)

// ErrCacheMiss is returned by Load when no usable value is persisted
var ErrCacheMiss = errors.New("cache miss")

// rolls guards generation per storage object across all Rollers in the process
var rolls singleflight.Group

// envelope is the persisted root document. Schema names the payload type and
// its layout version; readers never attempt a best-effort parse of another schema.
type envelope struct {
	Schema string          `json:"schema"`
	Data   json.RawMessage `json:"data"`
}

// Roller persists one value of type T as a schema-tagged JSON object
type Roller[T any] struct {
	storage  *storage.Storage
	name     string
	schema   string
	validate func(T) error
	logger   zerolog.Logger
}

// Option configures a Roller
type Option[T any] func(*Roller[T])

// WithValidator rejects decoded values that fail fn; a rejected value is a miss
func WithValidator[T any](fn func(T) error) Option[T] {
	return func(r *Roller[T]) {
		r.validate = fn
	}
}

// WithLogger sets the logger
func WithLogger[T any](logger zerolog.Logger) Option[T] {
	return func(r *Roller[T]) {
		r.logger = logger
	}
}

// NewRoller creates a Roller for object name in s tagged with schema
func NewRoller[T any](s *storage.Storage, name, schema string, opts ...Option[T]) *Roller[T] {
	r := &Roller[T]{
		storage: s,
		name:    name,
		schema:  schema,
		logger:  log.Logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Schema returns the schema tag written with every value
func (r *Roller[T]) Schema() string {
	return r.schema
}

// Load returns the persisted value. Missing objects, schema mismatches, decode
// failures and validator rejections all report ErrCacheMiss.
func (r *Roller[T]) Load() (T, error) {
	var zero T

	data, err := r.storage.Read(r.name)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return zero, ErrCacheMiss
		}
		return zero, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return zero, fmt.Errorf("%w: undecodable envelope: %v", ErrCacheMiss, err)
	}
	if env.Schema != r.schema {
		return zero, fmt.Errorf("%w: schema %q, expected %q", ErrCacheMiss, env.Schema, r.schema)
	}

	var value T
	decoder := json.NewDecoder(bytes.NewReader(env.Data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&value); err != nil {
		return zero, fmt.Errorf("%w: undecodable %s payload: %v", ErrCacheMiss, r.schema, err)
	}
	if r.validate != nil {
		if err := r.validate(value); err != nil {
			return zero, fmt.Errorf("%w: invalid %s payload: %v", ErrCacheMiss, r.schema, err)
		}
	}
	return value, nil
}

// Store persists value, replacing any previous object
func (r *Roller[T]) Store(value T) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", r.schema, err)
	}
	data, err := json.Marshal(envelope{Schema: r.schema, Data: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", r.schema, err)
	}
	return r.storage.Write(r.name, data)
}

// Invalidate deletes the persisted value so the next Roll regenerates it
func (r *Roller[T]) Invalidate() error {
	return r.storage.Delete(r.name)
}

// Roll returns the persisted value when it loads cleanly. Otherwise it runs
// generate, persists its result and returns it. Concurrent rolls and refreshes
// of the same object share one generation, which keeps running while any
// caller still waits on it. Nothing is persisted once every waiting caller's
// ctx is done.
func (r *Roller[T]) Roll(ctx context.Context, generate func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if value, err := r.Load(); err == nil {
		return value, nil
	} else if !errors.Is(err, ErrCacheMiss) {
		return zero, err
	} else {
		r.logger.Debug().Err(err).Str("object", r.name).Msg("Cache miss")
	}

	return r.fly(ctx, true, generate)
}

// Refresh runs generate and replaces the persisted value with its result. It
// joins a generation already in flight for the same object instead of racing
// it. The previous value survives a failed or abandoned generation.
func (r *Roller[T]) Refresh(ctx context.Context, generate func(ctx context.Context) (T, error)) (T, error) {
	return r.fly(ctx, false, generate)
}

func (r *Roller[T]) fly(ctx context.Context, reload bool, generate func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	key := r.storage.Dir() + "/" + r.name

	for {
		f, ticket := joinFlight(key, ctx)
		ch := rolls.DoChan(key, func() (any, error) {
			// Another flight may have persisted a value while this one waited
			if reload {
				if value, err := r.Load(); err == nil {
					return value, nil
				}
			}

			value, err := generate(f.ctx)
			if err != nil {
				return nil, err
			}
			if err := f.err(); err != nil {
				return nil, err
			}

			if err := r.Store(value); err != nil {
				return nil, err
			}
			r.logger.Info().Str("object", r.name).Str("schema", r.schema).Msg("Cache object generated")
			return value, nil
		})

		var res singleflight.Result
		select {
		case <-ctx.Done():
			f.leave(key, ticket)
			return zero, ctx.Err()
		case res = <-ch:
			f.leave(key, ticket)
		}

		if res.Err != nil {
			// Joined a flight its own callers had already abandoned
			if errors.Is(res.Err, context.Canceled) && ctx.Err() == nil {
				continue
			}
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

// flight owns the context a shared generation runs on. It is cancelled once
// the ctx of every waiting caller is done.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters map[uint64]context.Context
	stops   map[uint64]func() bool
}

var flights = struct {
	sync.Mutex
	next uint64
	m    map[string]*flight
}{m: make(map[string]*flight)}

func joinFlight(key string, ctx context.Context) (*flight, uint64) {
	flights.Lock()
	defer flights.Unlock()

	f, ok := flights.m[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{
			ctx:     fctx,
			cancel:  cancel,
			waiters: make(map[uint64]context.Context),
			stops:   make(map[uint64]func() bool),
		}
		flights.m[key] = f
	}

	flights.next++
	ticket := flights.next
	f.waiters[ticket] = ctx
	f.stops[ticket] = context.AfterFunc(ctx, func() {
		flights.Lock()
		defer flights.Unlock()
		f.abandonIfIdle(key)
	})
	return f, ticket
}

func (f *flight) leave(key string, ticket uint64) {
	flights.Lock()
	defer flights.Unlock()

	if stop, ok := f.stops[ticket]; ok {
		stop()
	}
	delete(f.stops, ticket)
	delete(f.waiters, ticket)
	f.abandonIfIdle(key)
}

// abandonIfIdle cancels the flight when no waiter is still live. Callers hold flights.
func (f *flight) abandonIfIdle(key string) {
	if f.live() {
		return
	}
	f.cancel()
	if flights.m[key] == f {
		delete(flights.m, key)
	}
}

func (f *flight) live() bool {
	for _, ctx := range f.waiters {
		if ctx.Err() == nil {
			return true
		}
	}
	return false
}

// err reports why the result must not be persisted, if it must not
func (f *flight) err() error {
	flights.Lock()
	defer flights.Unlock()
	if !f.live() {
		return context.Canceled
	}
	return f.ctx.Err()
}
