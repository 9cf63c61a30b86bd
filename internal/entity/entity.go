// Package entity stores the records the state migration engine converts,
// together with the time-bounded leases workers hold on them.
package entity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Status is the migration state of one entity.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusPending, StatusInFlight, StatusDone, StatusFailed}

// Terminal reports whether no worker will touch the entity again without a reset.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

var (
	// ErrNotFound is returned for an unknown entity id.
	ErrNotFound = errors.New("entity not found")
	// ErrLeaseLost is returned when the caller no longer holds a valid lease.
	ErrLeaseLost = errors.New("entity lease lost")
	// ErrDuplicate is returned when seeding an id that already exists.
	ErrDuplicate = errors.New("entity already exists")
	// ErrLeased is returned when requeueing an entity a worker still holds.
	ErrLeased = errors.New("entity is leased")
)

// Lease grants one worker exclusive ownership until ExpiresAt.
type Lease struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether owner holds the lease at now.
func (l *Lease) Valid(owner string, now time.Time) bool {
	return l != nil && l.Owner == owner && now.Before(l.ExpiresAt)
}

// Entity is one unit of state to migrate.
type Entity struct {
	ID           string    `json:"id"`
	Key          string    `json:"key"`
	SourceRepr   []byte    `json:"source"`
	TargetRepr   []byte    `json:"target,omitempty"`
	Status       Status    `json:"status"`
	AttemptCount int       `json:"attempts"`
	Lease        *Lease    `json:"lease,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Claimable reports whether a worker may take the entity at now.
func (e Entity) Claimable(now time.Time) bool {
	switch e.Status {
	case StatusPending:
		return true
	case StatusInFlight:
		return e.Lease == nil || !now.Before(e.Lease.ExpiresAt)
	default:
		return false
	}
}

func (e Entity) renewable(owner string) bool {
	return e.Status == StatusInFlight && e.Lease != nil && e.Lease.Owner == owner
}

// Less orders entities by Key, then ID.
func Less(a, b Entity) bool {
	if a.Key != b.Key {
		return a.Key < b.Key
	}
	return a.ID < b.ID
}

// Checksum returns the hex SHA-256 of a representation.
func Checksum(repr []byte) string {
	sum := sha256.Sum256(repr)
	return hex.EncodeToString(sum[:])
}

// Counts is the number of entities per status.
type Counts map[Status]int

// Total sums every status.
func (c Counts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

// Store persists entities and their leases. Claim and Complete are atomic per entity.
type Store interface {
	// Seed inserts new Pending entities.
	Seed(ctx context.Context, entities ...Entity) error
	// Claim leases up to n claimable entities to owner in key order.
	Claim(ctx context.Context, owner string, n int, ttl time.Duration) ([]Entity, error)
	// Renew extends owner's lease on an InFlight entity to now+ttl. A lease that
	// expired without being claimed by anyone else can still be renewed.
	Renew(ctx context.Context, id, owner string, ttl time.Duration) (Entity, error)
	// Complete marks a leased entity Done with its target representation.
	Complete(ctx context.Context, id, owner string, target []byte) error
	// Fail records a failed attempt; the entity returns to Pending or becomes Failed
	// once AttemptCount reaches maxAttempts.
	Fail(ctx context.Context, id, owner string, cause error, maxAttempts int) (Status, error)
	// Get returns one entity.
	Get(ctx context.Context, id string) (Entity, error)
	// Counts reports entities per status. Expired leases count as Pending.
	Counts(ctx context.Context) (Counts, error)
	// Cursor is the highest key at or below which every entity is terminal.
	Cursor(ctx context.Context) (string, error)
	// Requeue returns the named entities, or every Failed entity when ids is empty, to Pending.
	Requeue(ctx context.Context, ids ...string) (int, error)
	// All returns every entity in key order.
	All(ctx context.Context) ([]Entity, error)
	// Replace swaps the whole arena for entities, used when restoring a checkpoint.
	Replace(ctx context.Context, entities []Entity) error
	Close() error
}

// CursorOf returns the highest key at or below which every entity in sorted is
// terminal. sorted must be in key order. A key shared by several entities only
// becomes the cursor once all of them are terminal.
func CursorOf(sorted []Entity) string {
	cursor := ""
	for i, e := range sorted {
		if !e.Status.Terminal() {
			break
		}
		if i+1 == len(sorted) || sorted[i+1].Key != e.Key {
			cursor = e.Key
		}
	}
	return cursor
}

func countOf(all []Entity, now time.Time) Counts {
	counts := Counts{}
	for _, s := range Statuses {
		counts[s] = 0
	}
	for _, e := range all {
		status := e.Status
		if status == StatusInFlight && e.Claimable(now) {
			status = StatusPending
		}
		counts[status]++
	}
	return counts
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
