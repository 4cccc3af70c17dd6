// Package sync keeps the local record store and the shared remote store
// consistent for one dealer.
//
// # Architecture
//
// The engine sits between three collaborators:
//
//	store.Store    local SQLite store, only ever holds live records
//	queue.Queue    durable offline mutation queue in the same database
//	remote.Client  change feed, per-type upsert/delete RPCs, diagnostic log
//
// A sync attempt runs in one of two modes:
//
//	Full sync:  replay queue → fetch → default accounts → merge → bulk push
//	            → watermark → asset refresh (detached) → replay queue
//	Fast pull:  replay queue → fetch → merge (+ sweep when forced)
//	            → watermark → asset refresh (detached)
//
// Only one attempt runs at a time. A second request while one is running
// returns ErrSyncInProgress without doing anything.
//
// # Merge
//
// A fetched snapshot is applied in a single transaction, entity types in
// record.MergeOrder, in two passes:
//
//  1. Per record: find the local record by id, else by natural key (adopting
//     the remote id and collapsing duplicates), delete on tombstone, otherwise
//     apply last-write-wins on updated_at. A tie goes to the remote version.
//     Records carrying a required foreign key are deferred.
//  2. Relationship linking: every touched or deferred record has its foreign
//     keys resolved against the local store. An unresolved optional key is
//     cleared; an unresolved required key drops the record entirely.
//
// # Errors
//
// Failures are sorted with remote.Classify:
//
//	cancelled     ignored, never logged, never queued
//	connectivity  mutation queued, SavedLocallyError returned
//	rejected      mutation queued; deletes return DeleteRejectedError
//	local         sync attempt aborted, watermark not advanced
//
// Every non-cancellation failure is written to the remote diagnostic log with
// its entity, record id and operation. If that write fails it is only logged
// locally.
//
// # Usage
//
//	st, _ := store.Open(".dealersync/local.db")
//	q := queue.New(st.RawDB(), queue.Options{Policy: queue.DefaultRetryPolicy()})
//	client := remote.NewHTTPClient(remote.Config{URL: url, APIKey: key}, nil)
//
//	engine := sync.New(st, q, client, sync.Options{Logger: logger})
//	report, err := engine.FullSync(ctx, dealerID)
package sync
