package record

import (
	"encoding/json"
	"fmt"
)

// Snapshot is one batch of changed records returned by a fetch, grouped by
// entity type. Records may be live updates or tombstones.
type Snapshot struct {
	records map[EntityType][]Record
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{records: make(map[EntityType][]Record)}
}

// Add appends records to the snapshot under their own types.
func (s *Snapshot) Add(recs ...Record) {
	if s.records == nil {
		s.records = make(map[EntityType][]Record)
	}
	for _, rec := range recs {
		s.records[rec.Kind()] = append(s.records[rec.Kind()], rec)
	}
}

// Records returns the records of one type in fetch order.
func (s *Snapshot) Records(kind EntityType) []Record {
	if s == nil {
		return nil
	}
	return s.records[kind]
}

// Len returns the total number of records.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, recs := range s.records {
		n += len(recs)
	}
	return n
}

// IsEmpty reports whether the snapshot carries no records at all.
func (s *Snapshot) IsEmpty() bool { return s.Len() == 0 }

// Counts returns the number of records per type.
func (s *Snapshot) Counts() map[EntityType]int {
	counts := make(map[EntityType]int, len(MergeOrder))
	for _, kind := range MergeOrder {
		counts[kind] = len(s.Records(kind))
	}
	return counts
}

// LiveIDs returns the ids of non-tombstoned records of one type.
func (s *Snapshot) LiveIDs(kind EntityType) map[string]struct{} {
	ids := make(map[string]struct{})
	for _, rec := range s.Records(kind) {
		if !rec.Meta().IsTombstone() {
			ids[rec.Meta().ID] = struct{}{}
		}
	}
	return ids
}

// Filter returns a new snapshot holding only the records keep accepts.
func (s *Snapshot) Filter(keep func(Record) bool) *Snapshot {
	out := NewSnapshot()
	for _, kind := range MergeOrder {
		for _, rec := range s.Records(kind) {
			if keep(rec) {
				out.Add(rec)
			}
		}
	}
	return out
}

// UnmarshalJSON decodes the change feed object keyed by snapshot key
// ("users", "vehicles", ...). Unknown keys are ignored.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw map[string][]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	s.records = make(map[EntityType][]Record)
	for _, kind := range MergeOrder {
		for i, item := range raw[kind.SnapshotKey()] {
			rec, err := Decode(kind, item)
			if err != nil {
				return fmt.Errorf("snapshot %s[%d]: %w", kind.SnapshotKey(), i, err)
			}
			s.records[kind] = append(s.records[kind], rec)
		}
	}
	return nil
}

// MarshalJSON writes every snapshot key, using empty arrays for absent types.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	out := make(map[string][]Record, len(MergeOrder))
	for _, kind := range MergeOrder {
		recs := s.Records(kind)
		if recs == nil {
			recs = []Record{}
		}
		out[kind.SnapshotKey()] = recs
	}
	return json.Marshal(out)
}
