// Package txn runs units of work against the store inside a transaction,
// retrying transient conflicts with exponential backoff and jitter.
package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ms-reservation/internal/logger"
	"ms-reservation/internal/metrics"
	"ms-reservation/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 100 * time.Millisecond
	DefaultMaxDelay   = 5 * time.Second

	jitter = 0.25
)

// Fn is a unit of work. db is the transaction, or the plain pool in
// non-transactional mode.
type Fn func(ctx context.Context, db bun.IDB) error

type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Transactional=false runs fn directly against the pool. Only safe when a
	// single writer exists.
	Transactional bool
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:    DefaultMaxRetries,
		BaseDelay:     DefaultBaseDelay,
		MaxDelay:      DefaultMaxDelay,
		Transactional: true,
	}
}

type Coordinator struct {
	db      *bun.DB
	opts    Options
	log     *logger.Logger
	metrics *metrics.Metrics
}

func New(db *bun.DB, opts Options, log *logger.Logger, m *metrics.Metrics) *Coordinator {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if log == nil {
		log = logger.Discard()
	}

	if !opts.Transactional {
		log.Warn("TX", "Transactions DISABLED: store writes run without isolation. "+
			"This mode is unsafe with more than one concurrent writer and must not be used in production")
	}

	return &Coordinator{db: db, opts: opts, log: log, metrics: m}
}

// DB exposes the pool for reads that need no transaction.
func (c *Coordinator) DB() *bun.DB {
	return c.db
}

func (c *Coordinator) Transactional() bool {
	return c.opts.Transactional
}

// Run executes fn in a transaction. Transient conflicts roll back and retry
// up to MaxRetries times; any other error is returned unchanged after
// rollback. When retries run out the result is a *models.TransactionFailedError.
func (c *Coordinator) Run(ctx context.Context, fn Fn) error {
	if !c.opts.Transactional {
		return fn(ctx, c.db)
	}

	attempts := 0
	op := func() error {
		attempts++
		err := c.db.RunInTx(ctx, c.txOptions(), func(ctx context.Context, tx bun.Tx) error {
			if c.isPostgres() {
				if _, err := tx.ExecContext(ctx, "SET LOCAL synchronous_commit = on"); err != nil {
					return err
				}
			}
			return fn(ctx, tx)
		})
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		c.metrics.ObserveTxRetry()
		c.log.Debug("TX", fmt.Sprintf("Transient conflict on attempt %d, retrying in %s: %v", attempts, wait, err))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.opts.MaxRetries)), ctx)
	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		c.metrics.ObserveTxFailed()
		c.log.Warn("TX", fmt.Sprintf("Giving up after %d attempts: %v", attempts, err))
		return &models.TransactionFailedError{Attempts: attempts, Err: err}
	}
	return err
}

// Do is Run for units of work that produce a value.
func Do[T any](ctx context.Context, c *Coordinator, fn func(ctx context.Context, db bun.IDB) (T, error)) (T, error) {
	var out T
	err := c.Run(ctx, func(ctx context.Context, db bun.IDB) error {
		v, err := fn(ctx, db)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (c *Coordinator) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.BaseDelay
	b.MaxInterval = c.opts.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// SQLite has no repeatable-read level to request; its transactions are
// serializable already.
func (c *Coordinator) txOptions() *sql.TxOptions {
	if c.isPostgres() {
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead}
	}
	return nil
}

func (c *Coordinator) isPostgres() bool {
	return c.db.Dialect().Name() == dialect.PG
}

// IsTransient reports whether err is a write conflict worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}
