// Package orchestrator drives one end-to-end run of the engine: Import pulls
// every configured backend's library into the store via the Mapper, Export
// decides and pushes writes back out to backends, Backup snapshots the
// store, and Parity reports which records are thin (spec §4.3, §4.4, §4.6).
//
// Per spec §9's redesign flag on the teacher's global session-counter
// singleton, counters here are accumulated into a RunReport value that's
// returned to the caller instead of published to a package-level bus.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/watchstate/syncengine/adapter"
	"github.com/watchstate/syncengine/entity"
	"github.com/watchstate/syncengine/health"
	"github.com/watchstate/syncengine/mapper"
	"github.com/watchstate/syncengine/queue"
	"github.com/watchstate/syncengine/store"
)

// runBackendItems is a pull-based gauge of the last run's per-backend item
// counts, labeled by run kind ("import"/"export"/"progress") and outcome
// ("imported", "exported", "skipped"), generalized from the teacher's
// BackendHealthStatus snapshot API into a scrapeable metrics surface.
var runBackendItems = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "watchstate",
	Subsystem: "orchestrator",
	Name:      "run_backend_items",
	Help:      "Item counts from the most recent orchestrator run, by run kind, backend, and outcome.",
}, []string{"run", "backend", "outcome"})

func init() {
	prometheus.MustRegister(runBackendItems)
}

// publishReport updates the gauge snapshot from one finished run.
func publishReport(run string, report *RunReport) {
	for name, br := range report.Backends {
		runBackendItems.WithLabelValues(run, name, "imported").Set(float64(br.Imported))
		runBackendItems.WithLabelValues(run, name, "exported").Set(float64(br.Exported))
		runBackendItems.WithLabelValues(run, name, "skipped").Set(float64(br.Skipped))
	}
}

// Backend pairs a configured adapter with the name it's reachable under and
// whether import/export is enabled for it.
type Backend struct {
	Name          string
	Adapter       adapter.Adapter
	ImportEnabled bool
	ExportEnabled bool
	MetadataOnly  bool // spec §9 IMPORT_METADATA_ONLY: import but never flip watched from this backend
	// SegmentSize is the page size Import requests per library page (spec
	// §4.3 step 5). 0 falls back to 1000.
	SegmentSize int
}

// BackendReport accumulates counters for one backend across a run.
type BackendReport struct {
	Name       string
	Imported   int
	Exported   int
	Skipped    int
	HasErrors  bool
	Errors     []string
}

// RunReport is the value every orchestrator operation returns, replacing the
// teacher's global message-bus counters (spec §9).
type RunReport struct {
	Started  int64
	Finished int64
	Backends map[string]*BackendReport
	Mapper   mapper.Metrics
}

func newRunReport(backends []Backend) *RunReport {
	r := &RunReport{Backends: make(map[string]*BackendReport, len(backends))}
	for _, b := range backends {
		r.Backends[b.Name] = &BackendReport{Name: b.Name}
	}
	return r
}

func (r *RunReport) record(name string, fn func(*BackendReport)) {
	if br, ok := r.Backends[name]; ok {
		fn(br)
	}
}

// Orchestrator owns the store, the configuration for the Queue each
// Export/Progress run creates, and the logger; it is
// constructed once at startup and its Import/Export/Backup/Parity methods
// are invoked per scheduled or manually triggered run.
type Orchestrator struct {
	store  *store.Store
	logger *slog.Logger
	qcfg   queue.Config
	health *health.Checker
}

// New creates an Orchestrator backed by st. qcfg controls every Queue this
// orchestrator constructs for a run.
func New(st *store.Store, qcfg queue.Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{store: st, qcfg: qcfg, logger: logger}
}

// SetHealthChecker attaches a health.Checker so Import/Export can skip a
// backend already known to be unreachable instead of paying its full
// per-page retry ladder before giving up.
func (o *Orchestrator) SetHealthChecker(hc *health.Checker) {
	o.health = hc
}

func (o *Orchestrator) isAvailable(name string) bool {
	if o.health == nil {
		return true
	}
	return o.health.IsAvailable(name)
}

// Import pulls every import-enabled backend's libraries into the store
// (spec §4.3). Each backend is fanned out to its own goroutine, bounded by
// the 24h whole-run deadline ctx should already carry; a single backend's
// failure does not abort the others, it is recorded on that backend's
// report and the run continues (spec §4.3 S4, "partial backend failure").
func (o *Orchestrator) Import(ctx context.Context, backends []Backend) *RunReport {
	report := newRunReport(backends)
	report.Started = nowUnix()

	m := mapper.New(o.store, o.logger)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, b := range backends {
		if !b.ImportEnabled {
			continue
		}
		if !o.isAvailable(b.Name) {
			report.record(b.Name, func(br *BackendReport) { br.Skipped++ })
			continue
		}
		wg.Add(1)
		go func(b Backend) {
			defer wg.Done()
			count, err := o.importBackend(ctx, b, m, &mu)
			report.record(b.Name, func(br *BackendReport) {
				br.Imported = count
				if err != nil {
					br.HasErrors = true
					br.Errors = append(br.Errors, err.Error())
				}
			})
		}(b)
	}
	wg.Wait()

	if err := m.Commit(ctx); err != nil {
		o.logger.Error("orchestrator: commit failed", "error", err)
	}
	report.Mapper = m.Metrics()
	report.Finished = nowUnix()
	publishReport("import", report)
	return report
}

// importBackend walks one backend's libraries segment by segment, feeding
// every decoded item to the shared mapper under mu, which serializes the
// run's backend goroutines around each Add.
func (o *Orchestrator) importBackend(ctx context.Context, b Backend, m *mapper.Mapper, mu *sync.Mutex) (int, error) {
	libs := b.Adapter.ListLibraries(ctx)
	if !libs.OK {
		return 0, fmt.Errorf("%s: list libraries: %s", b.Name, libs.Err.Message)
	}

	segmentSize := b.SegmentSize
	if segmentSize <= 0 {
		segmentSize = 1000
	}

	count := 0
	for _, lib := range libs.Value {
		if !lib.IsSupported {
			continue
		}
		startIndex := 0
		for {
			page := b.Adapter.GetLibraryPage(ctx, adapter.PageOptions{
				LibraryID:  lib.ID,
				StartIndex: startIndex,
				Limit:      segmentSize,
			})
			if !page.OK {
				return count, fmt.Errorf("%s: page library %s at %d: %s", b.Name, lib.ID, startIndex, page.Err.Message)
			}
			for _, item := range page.Value.Items {
				watched := item.Watched
				if b.MetadataOnly {
					// IMPORT_METADATA_ONLY: ingest identity/metadata but never
					// let this backend's watched flag participate in merge —
					// resolved per spec §9 open question by forcing the
					// imported state's own Watched to false and Tainted true
					// so Merge's tainted-transition rule can still move
					// progress without flipping watched.
					watched = false
				}
				s, err := entity.New(entity.NewStateInput{
					Type:         item.Type,
					Backend:      b.Name,
					Title:        item.Title,
					Year:         item.Year,
					Season:       item.Season,
					Episode:      item.Episode,
					GUIDs:        item.GUIDs,
					ParentGUIDs:  item.ParentGUIDs,
					RemoteID:     item.RemoteID,
					LibraryID:    lib.ID,
					Path:         item.Path,
					AddedAt:      item.AddedAt,
					LastPlayedAt: item.LastPlayedAt,
					Watched:      watched,
					ProgressMS:   item.ProgressMS,
					Updated:      nowUnix(),
					Tainted:      b.MetadataOnly,
				}, o.logger)
				if err != nil {
					o.logger.Warn("orchestrator: skipping item with no usable identity", "backend", b.Name, "remote_id", item.RemoteID, "error", err)
					continue
				}

				mu.Lock()
				m.Add(ctx, s)
				mu.Unlock()

				count++
				if item.IndexNumberEnd > item.Episode {
					count += expandEpisodeRange(ctx, m, mu, o.logger, s, item)
				}
			}
			if startIndex+len(page.Value.Items) >= page.Value.TotalRecordCount || len(page.Value.Items) == 0 {
				break
			}
			startIndex += len(page.Value.Items)
		}
	}
	return count, nil
}

// expandEpisodeRange synthesizes the extra episode states a multi-episode
// file implies (spec §4.3 step 7, "IndexNumberEnd range expansion") —
// every episode from base.Episode+1 through item.IndexNumberEnd shares the
// file's watched/progress state and parent identity, but gets its own
// relative-GUID pointer so it can still be matched individually later.
func expandEpisodeRange(ctx context.Context, m *mapper.Mapper, mu *sync.Mutex, logger *slog.Logger, base entity.State, item adapter.RawItem) int {
	count := 0
	for ep := item.Episode + 1; ep <= item.IndexNumberEnd; ep++ {
		s, err := entity.New(entity.NewStateInput{
			Type:         entity.KindEpisode,
			Backend:      base.Via,
			Title:        item.Title,
			Year:         item.Year,
			Season:       item.Season,
			Episode:      ep,
			GUIDs:        item.GUIDs,
			ParentGUIDs:  item.ParentGUIDs,
			RemoteID:     item.RemoteID,
			LibraryID:    item.LibraryID,
			Path:         item.Path,
			AddedAt:      item.AddedAt,
			LastPlayedAt: item.LastPlayedAt,
			Watched:      item.Watched,
			ProgressMS:   item.ProgressMS,
			Updated:      nowUnix(),
		}, logger)
		if err != nil {
			logger.Warn("orchestrator: skipping expanded episode with no identity", "episode", ep, "error", err)
			continue
		}
		// The file's own GUIDs and virtual GUID already identify the base
		// episode; the expanded one keeps only its relative pointer so the
		// mapper does not merge it back into the base record.
		s.GUIDs = nil
		s.VirtualGUIDs = nil
		if !s.HasIdentity() {
			logger.Warn("orchestrator: skipping expanded episode with no parent identity", "episode", ep)
			continue
		}
		mu.Lock()
		m.Add(ctx, s)
		mu.Unlock()
		count++
	}
	return count
}

// exportDecision is the outcome of comparing one backend's last-known state
// for an item against the store's canonical merged state (spec §4.4).
type exportDecision int

const (
	exportSkip exportDecision = iota
	exportPush
	exportProgress
)

// decideExport implements the table from spec §4.4: a backend that has
// never seen this item is searched by GUID (step 1) in case it holds the
// item under its own library without ever having reported it to us — if
// found, it gets the full push; otherwise there's nothing to sync to. A
// backend whose own watched flag already matches the canonical value only
// gets a progress nudge if progress is stale; otherwise it gets the full
// push.
func decideExport(ctx context.Context, a adapter.Adapter, canonical entity.State, backendName string) exportDecision {
	meta, ok := canonical.Metadata[backendName]
	if !ok {
		if len(canonical.GUIDs) == 0 {
			return exportSkip
		}
		found := a.SearchByGUID(ctx, canonical.GUIDs)
		if !found.OK || len(found.Value) == 0 {
			return exportSkip
		}
		return exportPush
	}
	if meta.Watched != canonical.Watched {
		return exportPush
	}
	if canonical.Progress != nil && meta.ProgressMS != *canonical.Progress {
		return exportProgress
	}
	return exportSkip
}

// Export pushes every canonical state that disagrees with a configured
// backend's last-known view back out to that backend, via the backend's own
// Queue-backed Push/Progress calls (spec §4.4).
func (o *Orchestrator) Export(ctx context.Context, backends []Backend, states []entity.State) *RunReport {
	report := newRunReport(backends)
	report.Started = nowUnix()

	q := queue.New(o.qcfg)
	for _, b := range backends {
		if !b.ExportEnabled {
			continue
		}
		if !o.isAvailable(b.Name) {
			report.record(b.Name, func(br *BackendReport) { br.Skipped++ })
			continue
		}
		var toPush, toProgress []entity.State
		for _, s := range states {
			switch decideExport(ctx, b.Adapter, s, b.Name) {
			case exportPush:
				toPush = append(toPush, s)
			case exportProgress:
				toProgress = append(toProgress, s)
			}
		}
		if len(toPush) > 0 {
			res := b.Adapter.Push(ctx, toPush, q)
			report.record(b.Name, func(br *BackendReport) {
				br.Exported += len(toPush)
				if !res.OK {
					br.HasErrors = true
					br.Errors = append(br.Errors, res.Err.Message)
				}
			})
		}
		if len(toProgress) > 0 {
			res := b.Adapter.Progress(ctx, toProgress, q)
			report.record(b.Name, func(br *BackendReport) {
				br.Exported += len(toProgress)
				if !res.OK {
					br.HasErrors = true
					br.Errors = append(br.Errors, res.Err.Message)
				}
			})
		}
	}
	q.Wait()

	for name, stats := range q.Stats() {
		report.record(name, func(br *BackendReport) {
			br.Skipped += int(stats.Failed)
		})
	}
	report.Finished = nowUnix()
	publishReport("export", report)
	return report
}

// Backup reads every state currently in the store in pages of pageSize and
// returns them all together in one slice.
func (o *Orchestrator) Backup(ctx context.Context, pageSize int) ([]entity.State, error) {
	var out []entity.State
	offset := 0
	for {
		states, total, err := o.store.Page(ctx, store.Filter{}, store.Sort{Field: "id"}, pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: backup page at %d: %w", offset, err)
		}
		out = append(out, states...)
		offset += len(states)
		if offset >= total || len(states) == 0 {
			break
		}
	}
	return out, nil
}

// Parity reports every state carrying fewer than minBackends backend
// entries, the "thin record" diagnostic of spec §4.6.
func (o *Orchestrator) Parity(ctx context.Context, minBackends int) ([]entity.State, error) {
	return o.store.Parity(ctx, minBackends)
}

// Progress pushes an out-of-band progress-only sync for the given states to
// every progress-capable backend, independent of a full Export run — used by
// the webhook drainer to forward its buffered progress-only events.
func (o *Orchestrator) Progress(ctx context.Context, backends []Backend, states []entity.State) *RunReport {
	report := newRunReport(backends)
	report.Started = nowUnix()

	q := queue.New(o.qcfg)
	for _, b := range backends {
		if !b.ExportEnabled {
			continue
		}
		if !o.isAvailable(b.Name) {
			report.record(b.Name, func(br *BackendReport) { br.Skipped++ })
			continue
		}
		res := b.Adapter.Progress(ctx, states, q)
		report.record(b.Name, func(br *BackendReport) {
			br.Exported += len(states)
			if !res.OK {
				br.HasErrors = true
				br.Errors = append(br.Errors, res.Err.Message)
			}
		})
	}
	q.Wait()
	report.Finished = nowUnix()
	publishReport("progress", report)
	return report
}

// nowUnix exists so every timestamp orchestrator mints goes through one
// call site.
func nowUnix() int64 { return time.Now().Unix() }
