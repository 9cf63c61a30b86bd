package migrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/nholik/cutover/internal/backend"
	"github.com/nholik/cutover/internal/entity"
)

const discoverPage = 500

// Discover pages through the old backend and seeds every entity the arena does
// not know yet. It returns the number of entities added.
func (e *Engine) Discover(ctx context.Context, source backend.EntityLister) (int, error) {
	added := 0
	after := ""
	for {
		records, err := source.ListEntities(ctx, after, discoverPage)
		if err != nil {
			return added, fmt.Errorf("list entities after %q: %w", after, err)
		}
		if len(records) == 0 {
			break
		}

		var fresh []entity.Entity
		for _, r := range records {
			if _, err := e.entities.Get(ctx, r.ID); err == nil {
				continue
			} else if !errors.Is(err, entity.ErrNotFound) {
				return added, err
			}
			key := r.Key
			if key == "" {
				key = r.ID
			}
			fresh = append(fresh, entity.Entity{ID: r.ID, Key: key, SourceRepr: r.Repr})
		}
		if len(fresh) > 0 {
			if err := e.entities.Seed(ctx, fresh...); err != nil {
				return added, fmt.Errorf("seed entities: %w", err)
			}
			added += len(fresh)
		}

		next := records[len(records)-1].Key
		if next <= after || len(records) < discoverPage {
			break
		}
		after = next
	}
	e.logger.Info().Int("added", added).Msg("entity discovery complete")
	return added, nil
}
