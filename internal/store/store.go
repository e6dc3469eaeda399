// Package store wraps the shared Redis key/value store used by every engine.
//
// All cross-request coordination goes through this package: single-key
// atomic primitives (INCRBY, HINCRBY, SETNX, ZADD) and optimistic WATCH/MULTI
// transactions for read-then-conditionally-write sequences. Engines never hold
// in-process locks over shared state because handlers run in many processes.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	apperrors "github.com/terminal-bench/agentworld/internal/errors"
)

// ErrTxConflict is returned by Watch when optimistic retries are exhausted.
var ErrTxConflict = apperrors.Conflict(apperrors.CodeConcurrentUpdate, "too much contention, retry later")

// Options configures a Store.
type Options struct {
	// Prefix namespaces every key, e.g. "aw".
	Prefix string
	// OpTimeout bounds every store round trip. Zero disables the bound.
	OpTimeout time.Duration
	// MaxTxRetries bounds WATCH/MULTI retries on conflict.
	MaxTxRetries int
}

// Store is a handle on the shared key/value store.
type Store struct {
	rdb          redis.UniversalClient
	prefix       string
	opTimeout    time.Duration
	maxTxRetries int
}

// New creates a Store over an existing client.
func New(rdb redis.UniversalClient, opts Options) *Store {
	if opts.MaxTxRetries <= 0 {
		opts.MaxTxRetries = 16
	}
	return &Store{
		rdb:          rdb,
		prefix:       strings.TrimSuffix(opts.Prefix, ":"),
		opTimeout:    opts.OpTimeout,
		maxTxRetries: opts.MaxTxRetries,
	}
}

// Connect parses a redis:// URL (or host:port) and returns a Store.
func Connect(ctx context.Context, url string, opts Options) (*Store, error) {
	var ropts *redis.Options
	if strings.Contains(url, "://") {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindValidation, apperrors.CodeInvalidInput, "invalid redis url", err)
		}
		ropts = parsed
	} else {
		ropts = &redis.Options{Addr: url}
	}
	s := New(redis.NewClient(ropts), opts)
	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Client exposes the underlying client for pipelines.
func (s *Store) Client() redis.UniversalClient {
	return s.rdb
}

// Close releases the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.Context(ctx)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return Unavailable(err)
	}
	return nil
}

// Context applies the per-operation timeout.
func (s *Store) Context(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// Key joins parts under the store prefix.
func (s *Store) Key(parts ...string) string {
	if s.prefix == "" {
		return strings.Join(parts, ":")
	}
	return s.prefix + ":" + strings.Join(parts, ":")
}

// Watch runs fn inside an optimistic transaction over keys, retrying on
// conflicting writes. fn receives a context bounded by the operation timeout
// and must use it for every command of the attempt. Domain errors returned by
// fn are passed through unchanged; store failures become
// DependencyUnavailable.
func (s *Store) Watch(ctx context.Context, fn func(ctx context.Context, tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < s.maxTxRetries; attempt++ {
		opCtx, cancel := s.Context(ctx)
		err := s.rdb.Watch(opCtx, func(tx *redis.Tx) error {
			return fn(opCtx, tx)
		}, keys...)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Unavailable(err)
	}
	return ErrTxConflict
}

// Unavailable classifies a store error. Domain errors and nil pass through.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	var domain *apperrors.Error
	if errors.As(err, &domain) {
		return err
	}
	return apperrors.Unavailable(apperrors.CodeStoreUnavailable, "key/value store unavailable", err)
}

// IsNil reports whether err is the store's missing-key sentinel.
func IsNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
