package murray

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
)

// CycleStats summarizes one sync cycle, for logs and the admin API.
type CycleStats struct {
	// Listed is the number of documents the source advertised
	Listed int `json:"listed"`

	// New is the number of documents downloaded for the first time
	New int `json:"new"`

	// Resumed is the number of previously fetched documents whose
	// indexing was retried without a re-download
	Resumed int `json:"resumed"`

	// Indexed is the number of documents the workspace accepted
	Indexed int `json:"indexed"`

	// Failed is the number of documents marked permanently failed
	Failed int `json:"failed"`

	// Skipped is the number of documents already in a terminal state
	Skipped int `json:"skipped"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Error is set when the cycle was abandoned (ex: listing fetch failed)
	Error string `json:"error,omitempty"`
}

func (s CycleStats) LogValue() slog.Value {
	return structToSlogValue(s)
}

// Syncer reconciles the FIA document listing against the ledger: it
// owns the polling loop, decides which documents are new or need
// re-processing, downloads them, and hands them to the workspace.
//
// It is the only component with a control loop and a retry policy.
// Transient failures (source or workspace unavailable) are logged and
// retried on the next cycle; permanent per-document failures (retracted
// documents, rejected uploads) move the document to the failed state so
// it never blocks a cycle again.
type Syncer struct {
	source    *SourceClient
	workspace *Workspace
	ledger    *Ledger
	config    *SyncConfig
	logger    *slog.Logger

	// cycleMu prevents a manually triggered cycle (admin API, `sync`
	// command) from overlapping the polling loop
	cycleMu sync.Mutex

	lastCycle atomic.Pointer[CycleStats]
}

// NewSyncer wires a Syncer from its collaborators.
func NewSyncer(
	config *SyncConfig,
	source *SourceClient,
	workspace *Workspace,
	ledger *Ledger,
	logger *slog.Logger,
) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		source:    source,
		workspace: workspace,
		ledger:    ledger,
		config:    config,
		logger:    logger.With(loggerNameKey, "sync"),
	}
}

// LastCycle returns stats for the most recently completed cycle, or nil
// if no cycle has run yet.
func (s *Syncer) LastCycle() *CycleStats {
	return s.lastCycle.Load()
}

// Run drives the polling loop: one cycle immediately (catching up on
// anything fetched-but-not-indexed from a previous run), then one per
// configured interval until the context is canceled. Cancellation is
// honored between cycles and between documents, never mid-document.
func (s *Syncer) Run(ctx context.Context) error {
	s.logger.InfoContext(
		ctx,
		"starting document sync",
		"url", s.config.URL,
		"data_dir", s.config.DataDir,
		"interval", s.config.Interval,
	)

	if _, err := s.SyncNow(ctx); err != nil && ctx.Err() != nil {
		return nil
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "document sync stopped")
			return nil
		case <-ticker.C:
			if _, err := s.SyncNow(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.WarnContext(ctx, "sync cycle failed", tint.Err(err))
			}
		}
	}
}

// SyncNow runs a single reconciliation cycle. Safe to call while the
// polling loop is running; cycles never overlap.
func (s *Syncer) SyncNow(ctx context.Context) (CycleStats, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	stats, err := s.runCycle(ctx)
	stats.FinishedAt = time.Now().UTC()
	if err != nil {
		stats.Error = err.Error()
	}
	s.lastCycle.Store(&stats)

	switch {
	case err != nil:
		s.logger.WarnContext(ctx, "cycle abandoned", tint.Err(err), "stats", stats)
	case stats.New == 0 && stats.Resumed == 0:
		s.logger.DebugContext(ctx, "no new documents", "stats", stats)
	default:
		s.logger.InfoContext(ctx, "cycle complete", "stats", stats)
	}
	return stats, err
}

func (s *Syncer) runCycle(ctx context.Context) (CycleStats, error) {
	stats := CycleStats{StartedAt: time.Now().UTC()}

	listings, err := s.source.ListDocuments(ctx)
	if err != nil {
		// transient - no state changes, retried next cycle
		return stats, err
	}
	stats.Listed = len(listings)

	for _, listing := range listings {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		s.processListing(ctx, listing, &stats)
	}
	return stats, nil
}

// processListing moves one listed document as far through
// unseen -> fetched -> indexed as this cycle can manage. Failures are
// absorbed here: transient ones leave the document retryable, permanent
// ones mark it failed.
func (s *Syncer) processListing(
	ctx context.Context,
	listing DocumentListing,
	stats *CycleStats,
) {
	logger := s.logger.With("identity", listing.Identity, "title", listing.Title)
	ctx = WithLogger(ctx, logger)

	record := s.ledger.Get(listing.Identity)

	switch {
	case record == nil:
		doc, content, ok := s.fetchNew(ctx, listing, stats)
		if !ok {
			return
		}
		stats.New++
		s.submit(ctx, doc, content, stats)
	case record.State.IsTerminal():
		stats.Skipped++
	case record.State.NeedsIndexing():
		doc, content, ok := s.resumeFetched(ctx, listing, record, stats)
		if !ok {
			return
		}
		stats.Resumed++
		s.submit(ctx, doc, content, stats)
	default:
		logger.WarnContext(
			ctx,
			"unexpected ledger state",
			columnDocumentState, record.State,
		)
	}
}

// fetchNew downloads a never-seen document, records it as fetched, and
// saves a local copy.
func (s *Syncer) fetchNew(
	ctx context.Context,
	listing DocumentListing,
	stats *CycleStats,
) (*Document, []byte, bool) {
	logger, _ := ContextLogger(ctx)

	logger.InfoContext(
		ctx,
		"new document found",
		"published", listing.PublishedAt,
	)

	content, err := s.source.Download(ctx, listing.Identity)
	switch {
	case errors.Is(err, ErrDocumentNotFound):
		// retracted between listing and download - permanent, and
		// deliberately not marked as fetched
		logger.ErrorContext(ctx, "document retracted at source", tint.Err(err))
		if ferr := s.ledger.RecordFailed(ctx, listing, err.Error()); ferr != nil {
			logger.ErrorContext(ctx, "error recording failure", tint.Err(ferr))
			return nil, nil, false
		}
		stats.Failed++
		return nil, nil, false
	case err != nil:
		logger.WarnContext(ctx, "document download failed", tint.Err(err))
		return nil, nil, false
	}

	filename := filenameFromListing(listing)
	doc, err := s.ledger.RecordFetched(ctx, listing, filename, hashContent(content))
	if err != nil {
		logger.ErrorContext(ctx, "error recording fetched document", tint.Err(err))
		return nil, nil, false
	}

	if _, err = saveDocument(s.config.DataDir, filename, content); err != nil {
		// the ledger record and content hash are intact, so the next
		// cycle can still resume from the workspace submission
		logger.WarnContext(ctx, "error saving local copy", tint.Err(err))
	}

	return doc, content, true
}

// resumeFetched picks up a document that was downloaded in an earlier
// cycle but not yet accepted by the workspace. The local copy is reused
// when its hash still matches the ledger; otherwise the document is
// re-downloaded.
func (s *Syncer) resumeFetched(
	ctx context.Context,
	listing DocumentListing,
	record *Document,
	stats *CycleStats,
) (*Document, []byte, bool) {
	logger, _ := ContextLogger(ctx)

	content, err := os.ReadFile(filepath.Join(s.config.DataDir, record.Filename))
	if err == nil && hashContent(content) == record.ContentHash {
		logger.InfoContext(ctx, "retrying indexing for fetched document")
		return record, content, true
	}

	logger.InfoContext(
		ctx,
		"local copy missing or changed, re-downloading",
		"filename", record.Filename,
	)

	content, err = s.source.Download(ctx, listing.Identity)
	switch {
	case errors.Is(err, ErrDocumentNotFound):
		logger.ErrorContext(ctx, "document retracted at source", tint.Err(err))
		if ferr := s.ledger.RecordFailed(ctx, listing, err.Error()); ferr != nil {
			logger.ErrorContext(ctx, "error recording failure", tint.Err(ferr))
			return nil, nil, false
		}
		stats.Failed++
		return nil, nil, false
	case err != nil:
		logger.WarnContext(ctx, "document download failed", tint.Err(err))
		return nil, nil, false
	}

	doc, err := s.ledger.RecordFetched(
		ctx,
		listing,
		record.Filename,
		hashContent(content),
	)
	if err != nil {
		logger.ErrorContext(ctx, "error recording fetched document", tint.Err(err))
		return nil, nil, false
	}

	if _, err = saveDocument(s.config.DataDir, doc.Filename, content); err != nil {
		logger.WarnContext(ctx, "error saving local copy", tint.Err(err))
	}

	return doc, content, true
}

// submit hands a fetched document to the workspace and updates the
// ledger according to the error taxonomy: rejected is permanent,
// unavailable leaves the document fetched for the next cycle.
func (s *Syncer) submit(
	ctx context.Context,
	doc *Document,
	content []byte,
	stats *CycleStats,
) {
	logger, _ := ContextLogger(ctx)

	location, err := s.workspace.Submit(ctx, doc.Filename, content)
	switch {
	case errors.Is(err, ErrIndexingRejected):
		logger.ErrorContext(ctx, "workspace rejected document", tint.Err(err))
		listing := DocumentListing{
			Identity:    doc.ID,
			Title:       doc.Title,
			PublishedAt: time.UnixMilli(doc.PublishedAt),
		}
		if ferr := s.ledger.RecordFailed(ctx, listing, err.Error()); ferr != nil {
			logger.ErrorContext(ctx, "error recording failure", tint.Err(ferr))
			return
		}
		stats.Failed++
	case err != nil:
		// transient - the document stays 'fetched' and is retried
		// next cycle without a re-download
		logger.WarnContext(ctx, "workspace submission failed", tint.Err(err))
	default:
		if ierr := s.ledger.RecordIndexed(ctx, doc.ID, location); ierr != nil {
			logger.ErrorContext(ctx, "error recording indexed document", tint.Err(ierr))
			return
		}
		stats.Indexed++
		logger.InfoContext(ctx, "document indexed", "location", location)
	}
}

// Import processes a flat list of document URLs in batches, outside the
// normal polling loop. Used by the `import` command for backfilling a
// season's worth of documents from a link list.
func (s *Syncer) Import(ctx context.Context, urls []string) (CycleStats, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	stats := CycleStats{StartedAt: time.Now().UTC()}

	batchSize := s.config.ImportBatchSize
	if batchSize <= 0 {
		batchSize = DefaultImportBatchSize
	}

	total := len(urls)
	for start := 0; start < total; start += batchSize {
		if ctx.Err() != nil {
			stats.FinishedAt = time.Now().UTC()
			return stats, ctx.Err()
		}

		end := start + batchSize
		if end > total {
			end = total
		}
		s.logger.InfoContext(
			ctx,
			"processing import batch",
			"batch_start", start+1,
			"batch_end", end,
			"total", total,
		)

		for _, u := range urls[start:end] {
			if ctx.Err() != nil {
				stats.FinishedAt = time.Now().UTC()
				return stats, ctx.Err()
			}
			listing := listingFromURL(u)
			stats.Listed++
			s.processListing(ctx, listing, &stats)
		}
	}

	stats.FinishedAt = time.Now().UTC()
	s.lastCycle.Store(&stats)
	return stats, nil
}

// listingFromURL builds a synthetic listing entry for a bare document
// URL, deriving the title from the final path segment.
func listingFromURL(u string) DocumentListing {
	parts := strings.Split(strings.TrimSuffix(u, "/"), "/")
	title := parts[len(parts)-1]
	title = strings.TrimSuffix(strings.ReplaceAll(title, "%20", " "), ".pdf")
	return DocumentListing{
		Identity:    u,
		Title:       title,
		PublishedAt: time.Now().UTC(),
	}
}

// ReadURLFile parses a file containing one document URL per line,
// skipping blank lines.
func ReadURLFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading url list: %w", err)
	}
	var urls []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		urls = append(urls, line)
	}
	return urls, nil
}
