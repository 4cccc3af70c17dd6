package sync

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/ezcar24/dealersync/internal/record"
)

// dedupKinds are the entity types with a natural key, parents first.
var dedupKinds = []record.EntityType{record.User, record.Account, record.Vehicle, record.Client}

// DedupReport describes one remote deduplication pass.
type DedupReport struct {
	// Report covers the pull and merge that follow the deletes.
	Report *Report `json:"report"`

	// Deleted counts the remote duplicates removed per entity type.
	Deleted map[record.EntityType]int `json:"deleted"`

	// Failed counts duplicates whose delete was refused or did not arrive.
	Failed int `json:"failed"`
}

// DeduplicateRemote implements Engine.DeduplicateRemote.
//
// Accounts keep the candidate with a non-zero balance, then the most recently
// modified one. Users, vehicles and clients keep the most recently created.
func (e *engine) DeduplicateRemote(ctx context.Context, dealerID string) (*DedupReport, error) {
	out := &DedupReport{Deleted: make(map[record.EntityType]int)}

	report, err := e.run(ctx, dealerID, ModeDedup, func(ctx context.Context, r *Report) error {
		before, err := e.fetch(ctx, dealerID, true)
		if err != nil {
			return err
		}

		for _, kind := range dedupKinds {
			for _, loser := range remoteDuplicates(kind, before.snap.Records(kind)) {
				id := loser.Meta().ID
				err := e.client.Delete(ctx, kind, dealerID, id)
				if err == nil {
					out.Deleted[kind]++
					continue
				}
				if isCancelled(err) {
					return err
				}
				e.diag.report(ctx, diagContext{
					rpc:      kind.DeleteRPC(),
					dealerID: dealerID,
					entity:   kind,
					recordID: id,
					extra:    map[string]string{"operation": "dedup"},
				}, err)
				out.Failed++
			}
		}

		after, err := e.fetch(ctx, dealerID, true)
		if err != nil {
			return err
		}
		r.FullPull, r.Fetched = true, after.snap.Len()

		if r.Merge, err = e.merge(ctx, dealerID, after.snap, nil); err != nil {
			return err
		}

		e.logger.Info("remote deduplication finished",
			zap.String("dealer_id", dealerID),
			zap.Any("deleted", out.Deleted),
			zap.Int("failed", out.Failed))
		return nil
	})
	out.Report = report
	if err != nil {
		return nil, err
	}
	return out, nil
}

// remoteDuplicates returns every live record that loses to another record
// with the same natural key. Output order is deterministic.
func remoteDuplicates(kind record.EntityType, recs []record.Record) []record.Record {
	groups := make(map[string][]record.Record)
	var keys []string
	for _, rec := range recs {
		if rec.Meta().IsTombstone() {
			continue
		}
		key := rec.NaturalKey()
		if key == "" {
			continue
		}
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], rec)
	}
	sort.Strings(keys)

	var losers []record.Record
	for _, key := range keys {
		group := groups[key]
		if len(group) < 2 {
			continue
		}
		winner := dedupWinner(kind, group)
		for _, rec := range group {
			if rec != winner {
				losers = append(losers, rec)
			}
		}
	}
	return losers
}

func dedupWinner(kind record.EntityType, group []record.Record) record.Record {
	if kind == record.Account {
		return canonical(kind, group)
	}
	best := group[0]
	for _, rec := range group[1:] {
		a, b := rec.Meta(), best.Meta()
		switch {
		case a.CreatedAt.After(b.CreatedAt):
			best = rec
		case a.CreatedAt.Equal(b.CreatedAt) && better(kind, rec, best):
			best = rec
		}
	}
	return best
}
