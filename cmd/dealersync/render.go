package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/ezcar24/dealersync/internal/queue"
	"github.com/ezcar24/dealersync/internal/record"
	dealersync "github.com/ezcar24/dealersync/internal/sync"
	"github.com/ezcar24/dealersync/internal/ui"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReport(w io.Writer, r *dealersync.Report) {
	if r.Cancelled {
		fmt.Fprintf(w, "%s %s sync cancelled\n", ui.RenderWarn("⚠"), r.Mode)
		return
	}

	fmt.Fprintf(w, "%s %s sync complete in %v\n", ui.RenderPass("✓"), r.Mode, r.Duration().Round(time.Millisecond))
	if r.FullPull {
		fmt.Fprintf(w, "   Pull: full\n")
	} else if !r.Since.IsZero() {
		fmt.Fprintf(w, "   Pull: since %s\n", r.Since.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(w, "   Fetched: %d", r.Fetched)
	if r.Filtered > 0 {
		fmt.Fprintf(w, " (%d hidden by pending deletes)", r.Filtered)
	}
	fmt.Fprintln(w)

	total := r.Merge.Total()
	fmt.Fprintf(w, "   Merged: %d created, %d updated, %d deleted", total.Created, total.Updated, total.Deleted)
	if total.Swept > 0 {
		fmt.Fprintf(w, ", %d swept", total.Swept)
	}
	if total.Deduplicated > 0 {
		fmt.Fprintf(w, ", %d deduplicated", total.Deduplicated)
	}
	fmt.Fprintln(w)
	if total.Orphaned > 0 {
		fmt.Fprintf(w, "   %s %d records skipped for missing parents\n", ui.RenderWarn("⚠"), total.Orphaned)
	}

	if r.Push.Sent+r.Push.Failed > 0 {
		fmt.Fprintf(w, "   Pushed: %d", r.Push.Sent)
		if r.Push.Failed > 0 {
			fmt.Fprintf(w, " (%s)", ui.RenderWarn(strconv.Itoa(r.Push.Failed)+" failed"))
		}
		fmt.Fprintln(w)
	}
	if r.DefaultAccounts > 0 {
		fmt.Fprintf(w, "   Created %d default accounts\n", r.DefaultAccounts)
	}
	if r.Replay.Sent+r.Replay.Failed > 0 {
		fmt.Fprintf(w, "   Queue replay: %d sent, %d failed\n", r.Replay.Sent, r.Replay.Failed)
	}
	queueLine := strconv.Itoa(r.QueueDepth)
	if r.QueueDepth > 0 {
		queueLine = ui.RenderWarn(queueLine)
	}
	fmt.Fprintf(w, "   Offline queue: %s\n", queueLine)
}

func printMergeTable(w io.Writer, stats dealersync.MergeStats) {
	var rows [][]string
	for _, kind := range record.MergeOrder {
		c, ok := stats[kind]
		if !ok || c == nil {
			continue
		}
		rows = append(rows, []string{
			string(kind),
			strconv.Itoa(c.Created),
			strconv.Itoa(c.Updated),
			strconv.Itoa(c.Deleted + c.Swept),
			strconv.Itoa(c.Skipped),
			strconv.Itoa(c.Orphaned),
		})
	}
	if len(rows) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprint(w, ui.Table([]string{"ENTITY", "CREATED", "UPDATED", "DELETED", "SKIPPED", "ORPHANED"}, rows))
}

func printDiagnostics(w io.Writer, d *dealersync.Diagnostics) {
	fmt.Fprintf(w, "\n%s Sync Diagnostics\n\n", ui.RenderAccent("📊"))
	fmt.Fprintf(w, "Generated: %s\n", d.GeneratedAt.Local().Format("2006-01-02 15:04:05"))
	if d.LastSyncAt != nil {
		fmt.Fprintf(w, "Last sync: %s\n", d.LastSyncAt.Local().Format("2006-01-02 15:04:05"))
	} else {
		fmt.Fprintf(w, "Last sync: %s\n", ui.RenderWarn("never"))
	}
	fmt.Fprintf(w, "Syncing: %t\n", d.IsSyncing)
	fmt.Fprintf(w, "Offline queue: %d (%d dead)\n", d.OfflineQueueCount, d.DeadLetterCount)
	for _, row := range d.OfflineQueueSummary {
		fmt.Fprintf(w, "   %s %s: %d\n", row.Entity, row.Operation, row.Count)
	}
	if d.RemoteFetchError != "" {
		fmt.Fprintf(w, "%s Remote unavailable: %s\n", ui.RenderFail("✗"), d.RemoteFetchError)
	}
	fmt.Fprintln(w)

	rows := make([][]string, 0, len(d.Entities))
	for _, e := range d.Entities {
		remote := "-"
		local := strconv.Itoa(e.Local)
		if e.Remote != nil {
			remote = strconv.Itoa(*e.Remote)
			if *e.Remote != e.Local {
				local = ui.RenderWarn(local)
			}
		}
		rows = append(rows, []string{string(e.Entity), local, remote})
	}
	fmt.Fprint(w, ui.Table([]string{"ENTITY", "LOCAL", "REMOTE"}, rows))
}

func printQueueItems(w io.Writer, items []queue.Item) {
	if len(items) == 0 {
		fmt.Fprintf(w, "%s Queue is empty\n", ui.RenderPass("✓"))
		return
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })

	rows := make([][]string, 0, len(items))
	for _, it := range items {
		lastErr := it.LastError
		if len(lastErr) > 60 {
			lastErr = lastErr[:57] + "..."
		}
		rows = append(rows, []string{
			it.ID,
			string(it.Entity),
			string(it.Operation),
			it.RecordID,
			strconv.Itoa(it.RetryCount),
			it.NextAttemptAt.Local().Format("01-02 15:04:05"),
			ui.RenderMuted(lastErr),
		})
	}
	fmt.Fprint(w, ui.Table([]string{"ID", "ENTITY", "OP", "RECORD", "RETRIES", "NEXT", "LAST ERROR"}, rows))
}
