package daemon

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ezcar24/dealersync/internal/queue"
	"github.com/ezcar24/dealersync/internal/record"
)

// ErrMalformed marks a mutation file that can never be applied.
var ErrMalformed = errors.New("malformed mutation")

// Mutation is the content of one outbox file.
//
// An upsert carries the full record in wire shape; a delete carries only the
// id:
//
//	{"entity": "vehicle", "operation": "upsert", "dealer_id": "d1", "record": {...}}
//	{"entity": "vehicle", "operation": "delete", "dealer_id": "d1", "id": "v1"}
type Mutation struct {
	Entity    record.EntityType `json:"entity"`
	Operation queue.Operation   `json:"operation"`
	DealerID  string            `json:"dealer_id"`
	Record    json.RawMessage   `json:"record,omitempty"`
	ID        string            `json:"id,omitempty"`
}

// ParseMutation decodes and checks a mutation file. Every error wraps
// ErrMalformed.
func ParseMutation(data []byte) (Mutation, error) {
	var m Mutation
	if err := json.Unmarshal(data, &m); err != nil {
		return Mutation{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	kind, err := record.ParseEntityType(string(m.Entity))
	if err != nil {
		return Mutation{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	m.Entity = kind

	if m.DealerID == "" {
		return Mutation{}, fmt.Errorf("%w: dealer_id is required", ErrMalformed)
	}

	switch m.Operation {
	case queue.OpUpsert:
		if len(m.Record) == 0 {
			return Mutation{}, fmt.Errorf("%w: upsert without record", ErrMalformed)
		}
	case queue.OpDelete:
		if m.ID == "" {
			return Mutation{}, fmt.Errorf("%w: delete without id", ErrMalformed)
		}
	default:
		return Mutation{}, fmt.Errorf("%w: unknown operation %q", ErrMalformed, m.Operation)
	}
	return m, nil
}

// Decode returns the record of an upsert. The record's dealer must match the
// mutation's.
func (m Mutation) Decode() (record.Record, error) {
	rec, err := record.Decode(m.Entity, m.Record)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	meta := rec.Meta()
	if meta.DealerID == "" {
		meta.DealerID = m.DealerID
	}
	if meta.DealerID != m.DealerID {
		return nil, fmt.Errorf("%w: record belongs to dealer %q", ErrMalformed, meta.DealerID)
	}
	return rec, nil
}
