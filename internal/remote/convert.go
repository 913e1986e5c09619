package remote

import (
	"time"

	"github.com/larderhq/larder"
)

// Wire event operation names.
const (
	opInsert = "insert"
	opUpdate = "update"
	opDelete = "delete"
)

// wireEntity is the JSON structure for a single entity on the wire.
type wireEntity struct {
	ID        string         `json:"id"`
	SortOrder int            `json:"sort_order,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	UpdatedAt time.Time      `json:"updated_at,omitempty"`
}

func (w wireEntity) toEntity() larder.Entity {
	return larder.Entity{
		ID:        w.ID,
		SortOrder: w.SortOrder,
		Fields:    w.Fields,
		UpdatedAt: w.UpdatedAt,
	}
}

// collectionResponse wraps the entity array returned by
// GET /api/v1/collections/{name}.
type collectionResponse struct {
	Collection string       `json:"collection"`
	Entities   []wireEntity `json:"entities"`
	AsOf       time.Time    `json:"as_of,omitempty"`
}

// wireEvent is a single push event from the /api/v1/events stream.
type wireEvent struct {
	Collection string      `json:"collection"`
	Op         string      `json:"op"` // insert | update | delete
	Entity     *wireEntity `json:"entity,omitempty"`
	ID         string      `json:"id,omitempty"`
}

// toRemoteEvent converts a wire event to the engine representation. Unknown
// ops map to a zero Delta, which the reconciler logs and drops.
func (w wireEvent) toRemoteEvent() larder.RemoteEvent {
	ev := larder.RemoteEvent{Collection: larder.CollectionName(w.Collection)}

	switch w.Op {
	case opInsert:
		if w.Entity != nil {
			ev.Delta = larder.Insert(w.Entity.toEntity())
		}
	case opUpdate:
		if w.Entity != nil {
			ev.Delta = larder.Update(w.Entity.toEntity())
		}
	case opDelete:
		ev.Delta = larder.Delete(w.ID)
	}
	return ev
}

// healthResponse is returned by GET /api/v1/health.
type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	Constrained bool   `json:"constrained,omitempty"`
}
