package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

var entityPrefix = []byte("entity/")

// BadgerStore is a durable Store. Claims race through optimistic transactions
// and retry on conflict.
type BadgerStore struct {
	db     *badger.DB
	logger zerolog.Logger
	now    func() time.Time
}

// OpenBadger opens or creates the entity database in dir.
func OpenBadger(dir string, logger zerolog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logger: logger})
	return openBadger(opts, logger)
}

// OpenBadgerInMemory opens a non-persistent database, used by tests and dry runs.
func OpenBadgerInMemory(logger zerolog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(badgerLogger{logger: logger})
	return openBadger(opts, logger)
}

func openBadger(opts badger.Options, logger zerolog.Logger) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open entity store: %w", err)
	}
	return &BadgerStore{
		db:     db,
		logger: logger.With().Str("component", "entity-store").Logger(),
		now:    time.Now,
	}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func entityKey(id string) []byte {
	return append(append([]byte(nil), entityPrefix...), id...)
}

func (s *BadgerStore) Seed(ctx context.Context, entities ...Entity) error {
	now := s.now()
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	err := s.db.View(func(txn *badger.Txn) error {
		for _, e := range entities {
			if _, err := txn.Get(entityKey(e.ID)); err == nil {
				return fmt.Errorf("%w: %s", ErrDuplicate, e.ID)
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, e := range entities {
		e.Status = StatusPending
		e.UpdatedAt = now
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode entity %s: %w", e.ID, err)
		}
		if err := wb.Set(entityKey(e.ID), data); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (s *BadgerStore) Claim(ctx context.Context, owner string, n int, ttl time.Duration) ([]Entity, error) {
	if n <= 0 {
		return nil, ctx.Err()
	}
	var claimed []Entity
	err := s.update(ctx, func(txn *badger.Txn) error {
		claimed = nil
		now := s.now()
		all, err := scan(txn)
		if err != nil {
			return err
		}
		for _, e := range all {
			if len(claimed) == n {
				break
			}
			if !e.Claimable(now) {
				continue
			}
			e.Status = StatusInFlight
			e.Lease = &Lease{Owner: owner, ExpiresAt: now.Add(ttl)}
			e.UpdatedAt = now
			if err := put(txn, e); err != nil {
				return err
			}
			claimed = append(claimed, e)
		}
		return nil
	})
	return claimed, err
}

func (s *BadgerStore) Renew(ctx context.Context, id, owner string, ttl time.Duration) (Entity, error) {
	var renewed Entity
	err := s.update(ctx, func(txn *badger.Txn) error {
		e, err := get(txn, id)
		if err != nil {
			return err
		}
		if !e.renewable(owner) {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrLeaseLost, id))
		}
		now := s.now()
		e.Lease = &Lease{Owner: owner, ExpiresAt: now.Add(ttl)}
		e.UpdatedAt = now
		renewed = e
		return put(txn, e)
	})
	return renewed, err
}

func (s *BadgerStore) Complete(ctx context.Context, id, owner string, target []byte) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		e, err := get(txn, id)
		if err != nil {
			return err
		}
		now := s.now()
		if e.Status != StatusInFlight || !e.Lease.Valid(owner, now) {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrLeaseLost, id))
		}
		e.Status = StatusDone
		e.TargetRepr = target
		e.Lease = nil
		e.LastError = ""
		e.UpdatedAt = now
		return put(txn, e)
	})
}

func (s *BadgerStore) Fail(ctx context.Context, id, owner string, cause error, maxAttempts int) (Status, error) {
	var status Status
	err := s.update(ctx, func(txn *badger.Txn) error {
		e, err := get(txn, id)
		if err != nil {
			return err
		}
		now := s.now()
		status = e.Status
		if e.Status != StatusInFlight || !e.Lease.Valid(owner, now) {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrLeaseLost, id))
		}
		applyFailure(&e, cause, maxAttempts, now)
		status = e.Status
		return put(txn, e)
	})
	return status, err
}

func (s *BadgerStore) Get(ctx context.Context, id string) (Entity, error) {
	var e Entity
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		e, err = get(txn, id)
		return err
	})
	return e, err
}

func (s *BadgerStore) Counts(ctx context.Context) (Counts, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	return countOf(all, s.now()), nil
}

func (s *BadgerStore) Cursor(ctx context.Context) (string, error) {
	all, err := s.All(ctx)
	if err != nil {
		return "", err
	}
	return CursorOf(all), nil
}

func (s *BadgerStore) Requeue(ctx context.Context, ids ...string) (int, error) {
	requeued := 0
	err := s.update(ctx, func(txn *badger.Txn) error {
		requeued = 0
		now := s.now()
		var targets []Entity
		if len(ids) == 0 {
			all, err := scan(txn)
			if err != nil {
				return err
			}
			for _, e := range all {
				if e.Status == StatusFailed {
					targets = append(targets, e)
				}
			}
		} else {
			for _, id := range ids {
				e, err := get(txn, id)
				if err != nil {
					return err
				}
				if e.Status == StatusInFlight && !e.Claimable(now) {
					return backoff.Permanent(fmt.Errorf("%w: %s", ErrLeased, id))
				}
				targets = append(targets, e)
			}
		}
		for _, e := range targets {
			resetPending(&e, now)
			if err := put(txn, e); err != nil {
				return err
			}
			requeued++
		}
		return nil
	})
	return requeued, err
}

func (s *BadgerStore) All(ctx context.Context) ([]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var all []Entity
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		all, err = scan(txn)
		return err
	})
	return all, err
}

func (s *BadgerStore) Replace(ctx context.Context, entities []Entity) error {
	if err := s.db.DropPrefix(entityPrefix); err != nil {
		return fmt.Errorf("drop entities: %w", err)
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, e := range entities {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode entity %s: %w", e.ID, err)
		}
		if err := wb.Set(entityKey(e.ID), data); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// update runs fn in a read-write transaction, retrying on conflicts with another claimer.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Millisecond
	policy.MaxInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second

	attempt := 0
	operation := func() error {
		attempt++
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			s.logger.Debug().Int("attempt", attempt).Msg("entity transaction conflict, retrying")
			return err
		}
		if err != nil {
			var permanent *backoff.PermanentError
			if errors.As(err, &permanent) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

func scan(txn *badger.Txn) ([]Entity, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = entityPrefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var all []Entity
	for it.Rewind(); it.Valid(); it.Next() {
		var e Entity
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		}); err != nil {
			return nil, fmt.Errorf("decode %s: %w", it.Item().Key(), err)
		}
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return Less(all[i], all[j]) })
	return all, nil
}

func get(txn *badger.Txn, id string) (Entity, error) {
	item, err := txn.Get(entityKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entity{}, backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, id))
	}
	if err != nil {
		return Entity{}, err
	}
	var e Entity
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	})
	return e, err
}

func put(txn *badger.Txn, e Entity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entity %s: %w", e.ID, err)
	}
	return txn.Set(entityKey(e.ID), data)
}

type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msgf(format, args...)
}
