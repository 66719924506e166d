// Package status provides the immutable status lookup table. The directory
// is loaded once at startup and handed to services by constructor; nothing
// consults the statuses table after that.
package status

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/db"
)

// Well-known status names. The active status gates login; the others ride
// along for callers that filter users by state.
const (
	Active   = "active"
	Inactive = "inactive"
	Pending  = "pending"
	Archived = "archived"
)

// Directory maps status names to their row ids and back. It is immutable
// after Load and safe for concurrent use.
type Directory struct {
	byName map[string]uuid.UUID
	byID   map[uuid.UUID]string
}

// Load reads the statuses table and builds the directory. The active status
// must exist; a deployment without it cannot authenticate anyone, so Load
// fails and the process should not start.
func Load(ctx context.Context, q db.DBTX) (*Directory, error) {
	query := `SELECT id, name FROM statuses WHERE is_active = TRUE`

	rows, err := q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load statuses: %w", err)
	}
	defer rows.Close()

	byName := make(map[string]uuid.UUID)
	byID := make(map[uuid.UUID]string)

	for rows.Next() {
		var id uuid.UUID
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("failed to scan status row: %w", err)
		}
		name = strings.ToLower(strings.TrimSpace(name))
		byName[name] = id
		byID[id] = name
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read statuses: %w", err)
	}

	d := &Directory{byName: byName, byID: byID}
	if _, ok := d.byName[Active]; !ok {
		return nil, fmt.Errorf("statuses table has no %q entry", Active)
	}

	return d, nil
}

// NewDirectory builds a directory from a fixed name-to-id map. Intended for
// tests and seed tooling.
func NewDirectory(entries map[string]uuid.UUID) *Directory {
	byName := make(map[string]uuid.UUID, len(entries))
	byID := make(map[uuid.UUID]string, len(entries))
	for name, id := range entries {
		name = strings.ToLower(strings.TrimSpace(name))
		byName[name] = id
		byID[id] = name
	}
	return &Directory{byName: byName, byID: byID}
}

// IDOf returns the id for a status name.
func (d *Directory) IDOf(name string) (uuid.UUID, bool) {
	id, ok := d.byName[strings.ToLower(name)]
	return id, ok
}

// NameOf returns the name for a status id.
func (d *Directory) NameOf(id uuid.UUID) (string, bool) {
	name, ok := d.byID[id]
	return name, ok
}

// ActiveID returns the id of the active status. Load guarantees it exists.
func (d *Directory) ActiveID() uuid.UUID {
	return d.byName[Active]
}
