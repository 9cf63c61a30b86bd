// Package checkpoint persists immutable snapshots of the migration state
// taken before operations that are hard to reverse.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/nholik/cutover/internal/entity"
	"github.com/nholik/cutover/internal/flags"
	"github.com/nholik/cutover/internal/phase"
)

var (
	// ErrNotFound is returned when no checkpoint matches.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrExists is returned when a checkpoint name is already taken.
	ErrExists = errors.New("checkpoint already exists")
	// ErrCorrupt is returned when a payload does not match its recorded checksum.
	ErrCorrupt = errors.New("checkpoint payload corrupt")
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Checkpoint is the immutable metadata record.
type Checkpoint struct {
	Name            string      `json:"name"`
	ID              string      `json:"id"`
	CreatedAt       time.Time   `json:"created_at"`
	Description     string      `json:"description"`
	PhaseAtCreation phase.Phase `json:"phase"`
	MigrationCursor string      `json:"cursor"`
	PayloadRef      string      `json:"payload_ref"`
	Checksum        string      `json:"checksum"`
	EntityCount     int         `json:"entity_count"`
}

// Payload is the state captured by a checkpoint.
type Payload struct {
	Flags    *flags.Set      `json:"flags"`
	Entities []entity.Entity `json:"entities"`
}

// Request describes a checkpoint to create. An empty Name gets a generated one.
type Request struct {
	Name        string
	Description string
	Phase       phase.Phase
	Cursor      string
	Payload     Payload
}

// Store creates and reads checkpoints.
type Store interface {
	Create(ctx context.Context, req Request) (Checkpoint, error)
	Get(ctx context.Context, name string) (Checkpoint, error)
	Latest(ctx context.Context) (Checkpoint, error)
	List(ctx context.Context) ([]Checkpoint, error)
	Payload(ctx context.Context, cp Checkpoint) (Payload, error)
	Ping(ctx context.Context) error
}

// ValidateName rejects names that are not safe as file names.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("invalid checkpoint name %q", name)
	}
	return nil
}

// AutoName builds a unique name for a checkpoint taken by the system.
func AutoName(p phase.Phase, at time.Time) string {
	return fmt.Sprintf("auto-%s-%s-%s", p, at.UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
}

// Capture builds a request from the live flag set and entity arena.
func Capture(ctx context.Context, name, description string, set *flags.Set, entities entity.Store) (Request, error) {
	req := Request{Name: name, Description: description, Payload: Payload{Flags: set}}
	if set != nil {
		req.Phase = set.Phase
	}
	if entities == nil {
		return req, nil
	}
	all, err := entities.All(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("snapshot entities: %w", err)
	}
	req.Payload.Entities = all
	req.Cursor = entity.CursorOf(all)
	return req, nil
}

// Restore replaces the entity arena with the checkpoint's payload. Leases held
// when the checkpoint was taken are dropped, returning those entities to Pending.
// The checkpoint itself is never modified.
func Restore(ctx context.Context, store Store, cp Checkpoint, entities entity.Store) (Payload, error) {
	payload, err := store.Payload(ctx, cp)
	if err != nil {
		return Payload{}, err
	}
	restored := make([]entity.Entity, 0, len(payload.Entities))
	for _, e := range payload.Entities {
		if e.Status == entity.StatusInFlight {
			e.Status = entity.StatusPending
			e.Lease = nil
		}
		restored = append(restored, e)
	}
	if entities != nil {
		if err := entities.Replace(ctx, restored); err != nil {
			return Payload{}, fmt.Errorf("restore entities from %s: %w", cp.Name, err)
		}
	}
	payload.Entities = restored
	return payload, nil
}
