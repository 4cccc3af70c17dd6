package sync

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ezcar24/dealersync/internal/queue"
	"github.com/ezcar24/dealersync/internal/record"
	"github.com/ezcar24/dealersync/internal/store"
)

// MergeCounts counts what the merge did to one entity type.
type MergeCounts struct {
	Created      int `json:"created"`
	Updated      int `json:"updated"`
	Skipped      int `json:"skipped"`
	Deleted      int `json:"deleted"`
	Deduplicated int `json:"deduplicated"`
	Orphaned     int `json:"orphaned"`
	Unlinked     int `json:"unlinked"`
	Swept        int `json:"swept"`
}

func (c *MergeCounts) add(o MergeCounts) {
	c.Created += o.Created
	c.Updated += o.Updated
	c.Skipped += o.Skipped
	c.Deleted += o.Deleted
	c.Deduplicated += o.Deduplicated
	c.Orphaned += o.Orphaned
	c.Unlinked += o.Unlinked
	c.Swept += o.Swept
}

// MergeStats holds MergeCounts per entity type.
type MergeStats map[record.EntityType]*MergeCounts

func (s MergeStats) of(kind record.EntityType) *MergeCounts {
	c, ok := s[kind]
	if !ok {
		c = &MergeCounts{}
		s[kind] = c
	}
	return c
}

// Total sums the counts of every entity type.
func (s MergeStats) Total() MergeCounts {
	var total MergeCounts
	for _, c := range s {
		total.add(*c)
	}
	return total
}

// pending is a record waiting for relationship linking.
type pending struct {
	rec     record.Record
	existed bool
}

type recordRef struct {
	kind record.EntityType
	id   string
}

// merger applies one snapshot inside one transaction.
type merger struct {
	tx       *store.Tx
	dealerID string
	stats    MergeStats
	logger   *zap.Logger

	deferred  []pending
	touched   []pending
	collapsed []recordRef
	// adopted holds local records kept under a remote id because they were
	// newer; they still have to reach the remote store.
	adopted []record.Record
}

// merge applies snap to the local store. Pass 1, pass 2 and the optional
// sweep share one transaction, so a failure leaves the store untouched.
func (e *engine) merge(ctx context.Context, dealerID string, snap *record.Snapshot, sweep *sweepContext) (MergeStats, error) {
	stats := make(MergeStats)
	var (
		collapsed []recordRef
		adopted   []record.Record
	)

	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		m := &merger{
			tx:       tx,
			dealerID: dealerID,
			stats:    stats,
			logger:   e.logger,
		}

		for _, kind := range record.MergeOrder {
			for _, rec := range snap.Records(kind) {
				if err := m.apply(ctx, rec); err != nil {
					return err
				}
			}
		}
		if err := m.link(ctx); err != nil {
			return err
		}
		if sweep != nil {
			if err := m.sweep(ctx, sweep); err != nil {
				return err
			}
		}
		collapsed, adopted = m.collapsed, m.adopted
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to merge snapshot: %w", err)
	}

	// Queued writes for records that were folded into a duplicate would
	// recreate the duplicate remotely.
	for _, ref := range collapsed {
		if _, err := e.queue.Discard(ctx, dealerID, ref.kind, ref.id); err != nil {
			e.logger.Warn("failed to discard queued write of merged duplicate",
				zap.String("entity", string(ref.kind)), zap.String("record_id", ref.id), zap.Error(err))
		}
	}

	for _, rec := range adopted {
		e.queueAdopted(ctx, rec)
	}

	recordMergeStats(stats)
	return stats, nil
}

// queueAdopted queues the push of a newer local record that took over a
// remote id.
func (e *engine) queueAdopted(ctx context.Context, rec record.Record) {
	meta := rec.Meta()
	item, err := queue.NewUpsert(rec)
	if err == nil {
		_, err = e.queue.Enqueue(ctx, item)
	}
	if err != nil {
		e.logger.Warn("failed to queue adopted record",
			zap.String("entity", string(rec.Kind())), zap.String("record_id", meta.ID), zap.Error(err))
	}
}

// apply is pass 1 for one incoming record.
func (m *merger) apply(ctx context.Context, incoming record.Record) error {
	kind := incoming.Kind()
	c := m.stats.of(kind)

	in := incoming.Meta()
	if in.ID == "" || (in.DealerID != "" && in.DealerID != m.dealerID) {
		m.logger.Warn("skipping foreign or anonymous record",
			zap.String("entity", string(kind)),
			zap.String("record_id", in.ID),
			zap.String("record_dealer_id", in.DealerID))
		c.Skipped++
		return nil
	}

	rec := record.Clone(incoming)
	meta := rec.Meta()
	meta.DealerID = m.dealerID

	local, found, err := m.get(ctx, kind, meta.ID)
	if err != nil {
		return err
	}

	if meta.IsTombstone() {
		// Local copies of the same natural record are folded in and go too.
		removed, err := m.foldDuplicates(ctx, rec)
		if err != nil {
			return err
		}
		if found {
			if err := m.tx.Delete(ctx, kind, m.dealerID, meta.ID); err != nil {
				return fmt.Errorf("failed to apply tombstone %s %s: %w", kind, meta.ID, err)
			}
			removed++
		}
		c.Deleted += removed
		return nil
	}

	adopted := false
	if !found {
		if key := rec.NaturalKey(); key != "" {
			dups, err := m.tx.FindByNaturalKey(ctx, kind, m.dealerID, key)
			if err != nil {
				return err
			}
			if len(dups) > 0 {
				best := canonical(kind, dups)
				for _, d := range dups {
					if err := m.collapse(ctx, kind, d.Meta().ID, meta.ID); err != nil {
						return err
					}
				}
				c.Deduplicated += len(dups)
				m.logger.Debug("adopted remote id for natural key match",
					zap.String("entity", string(kind)),
					zap.String("local_id", best.Meta().ID),
					zap.String("remote_id", meta.ID),
					zap.Int("duplicates", len(dups)))

				local = record.Clone(best)
				local.Meta().ID = meta.ID
				found, adopted = true, true
			}
		}
	}

	// Last write wins; a tie goes to the incoming version.
	if found && local.Meta().LastModified().After(meta.LastModified()) {
		c.Skipped++
		if adopted {
			if err := m.tx.Upsert(ctx, local); err != nil {
				return fmt.Errorf("failed to keep local %s %s under remote id: %w", kind, meta.ID, err)
			}
			m.adopted = append(m.adopted, local)
			return nil
		}
		return m.collapseOthers(ctx, local, c)
	}

	if !adopted {
		if err := m.collapseOthers(ctx, rec, c); err != nil {
			return err
		}
	}

	p := pending{rec: rec, existed: found}
	if hasRequiredRefs(rec) {
		m.deferred = append(m.deferred, p)
		return nil
	}
	if err := m.tx.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("failed to merge %s %s: %w", kind, meta.ID, err)
	}
	m.count(p)
	m.touched = append(m.touched, p)
	return nil
}

// link is pass 2: resolve every foreign key of the deferred and touched
// records against the store as it stands after pass 1.
func (m *merger) link(ctx context.Context) error {
	for _, p := range m.deferred {
		kind := p.rec.Kind()
		linked, _, err := m.resolve(ctx, p.rec)
		if err != nil {
			return err
		}
		if !linked {
			m.stats.of(kind).Orphaned++
			m.logger.Debug("skipping record with unresolved required reference",
				zap.String("entity", string(kind)),
				zap.String("record_id", p.rec.Meta().ID))
			continue
		}
		if err := m.tx.Upsert(ctx, p.rec); err != nil {
			return fmt.Errorf("failed to merge %s %s: %w", kind, p.rec.Meta().ID, err)
		}
		m.count(p)
	}

	for _, p := range m.touched {
		_, changed, err := m.resolve(ctx, p.rec)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		if err := m.tx.Upsert(ctx, p.rec); err != nil {
			return fmt.Errorf("failed to relink %s %s: %w", p.rec.Kind(), p.rec.Meta().ID, err)
		}
	}
	return nil
}

// resolve checks each reference of rec. Unresolved optional references are
// cleared in place. linked is false when a required reference is missing.
func (m *merger) resolve(ctx context.Context, rec record.Record) (linked, changed bool, err error) {
	c := m.stats.of(rec.Kind())
	for _, ref := range rec.Refs() {
		if *ref.ID == "" {
			if ref.Required {
				return false, changed, nil
			}
			continue
		}
		ok, err := m.tx.Exists(ctx, ref.Target, m.dealerID, *ref.ID)
		if err != nil {
			return false, changed, err
		}
		if ok {
			continue
		}
		if ref.Required {
			return false, changed, nil
		}
		*ref.ID = ""
		changed = true
		c.Unlinked++
	}
	return true, changed, nil
}

func (m *merger) get(ctx context.Context, kind record.EntityType, id string) (record.Record, bool, error) {
	rec, err := m.tx.Get(ctx, kind, m.dealerID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// collapse folds the local record fromID into toID: references are
// repointed and the duplicate is deleted.
func (m *merger) collapse(ctx context.Context, kind record.EntityType, fromID, toID string) error {
	if fromID == toID {
		return nil
	}
	if _, err := m.tx.RepointReferences(ctx, m.dealerID, kind, fromID, toID); err != nil {
		return err
	}
	if err := m.tx.Delete(ctx, kind, m.dealerID, fromID); err != nil {
		return fmt.Errorf("failed to delete duplicate %s %s: %w", kind, fromID, err)
	}
	m.collapsed = append(m.collapsed, recordRef{kind: kind, id: fromID})
	return nil
}

// collapseOthers folds every other local record sharing keeper's natural key
// into keeper.
func (m *merger) collapseOthers(ctx context.Context, keeper record.Record, c *MergeCounts) error {
	n, err := m.foldDuplicates(ctx, keeper)
	c.Deduplicated += n
	return err
}

// foldDuplicates collapses the local records that share keeper's natural key
// but not its id into keeper's id, and returns how many it folded.
func (m *merger) foldDuplicates(ctx context.Context, keeper record.Record) (int, error) {
	key := keeper.NaturalKey()
	if key == "" {
		return 0, nil
	}
	kind := keeper.Kind()
	id := keeper.Meta().ID

	dups, err := m.tx.FindByNaturalKey(ctx, kind, m.dealerID, key)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range dups {
		if d.Meta().ID == id {
			continue
		}
		if err := m.collapse(ctx, kind, d.Meta().ID, id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (m *merger) count(p pending) {
	c := m.stats.of(p.rec.Kind())
	if p.existed {
		c.Updated++
	} else {
		c.Created++
	}
}

func hasRequiredRefs(rec record.Record) bool {
	for _, ref := range rec.Refs() {
		if ref.Required {
			return true
		}
	}
	return false
}

// canonical picks the record that survives among duplicates sharing a
// natural key. Accounts prefer a non-zero balance; then the most recently
// modified wins; ids break ties.
func canonical(kind record.EntityType, candidates []record.Record) record.Record {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if better(kind, c, best) {
			best = c
		}
	}
	return best
}

func better(kind record.EntityType, a, b record.Record) bool {
	if kind == record.Account {
		az := a.(*record.AccountRecord).Balance.IsZero()
		bz := b.(*record.AccountRecord).Balance.IsZero()
		if az != bz {
			return !az
		}
	}
	at, bt := a.Meta().LastModified(), b.Meta().LastModified()
	if !at.Equal(bt) {
		return at.After(bt)
	}
	return a.Meta().ID < b.Meta().ID
}
