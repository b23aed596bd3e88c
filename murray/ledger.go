package murray

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrUnknownDocument is returned when an operation references an
// identity with no ledger record (ex: marking a never-fetched document
// as indexed).
var ErrUnknownDocument = errors.New("unknown document")

// Ledger is the persisted record of which FIA documents have been
// fetched and indexed, keyed by canonical document URL.
//
// The ledger is owned by the sync engine: it is the single writer, and
// the in-memory cache mirrors the backing table so membership checks
// don't hit the database on every poll cycle. Entries are created on
// first successful download, updated on successful indexing, and never
// deleted.
type Ledger struct {
	db     DBI
	logger *slog.Logger

	// cache maps identity -> ledger record
	cache map[string]*Document
	mu    sync.RWMutex
}

// NewLedger creates a Ledger backed by the given write interface. Call
// Load before use.
func NewLedger(db DBI, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		db:     db,
		logger: logger.With(loggerNameKey, "ledger"),
		cache:  map[string]*Document{},
	}
}

// Load reads every ledger record into the in-memory cache. The sync
// engine must refuse to start if this fails - proceeding with an empty
// ledger would re-download and re-index the entire document history.
func (l *Ledger) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var documents []Document
	if err := l.db.DB().WithContext(ctx).Find(&documents).Error; err != nil {
		return fmt.Errorf("error loading document ledger: %w", err)
	}

	l.cache = make(map[string]*Document, len(documents))
	for i := 0; i < len(documents); i++ {
		doc := documents[i]
		l.cache[doc.ID] = &doc
	}
	l.logger.InfoContext(ctx, "loaded document ledger", "documents", len(documents))
	return nil
}

// Contains reports whether the identity has any ledger record.
func (l *Ledger) Contains(identity string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.cache[identity]
	return ok
}

// Get returns a copy of the ledger record for the given identity, or
// nil if none exists.
func (l *Ledger) Get(identity string) *Document {
	l.mu.RLock()
	defer l.mu.RUnlock()
	doc, ok := l.cache[identity]
	if !ok {
		return nil
	}
	cp := *doc
	return &cp
}

// Len returns the number of ledger records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.cache)
}

// Pending returns records that were fetched but not yet indexed, oldest
// first. Used on startup to resume interrupted work without
// re-downloading.
func (l *Ledger) Pending() []Document {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var pending []Document
	for _, doc := range l.cache {
		if doc.State.NeedsIndexing() {
			pending = append(pending, *doc)
		}
	}
	return pending
}

// Documents returns ledger records ordered newest first by publication
// time, paginated for the admin API. A limit of 0 means no limit.
func (l *Ledger) Documents(limit int, offset int) []Document {
	l.mu.RLock()
	docs := make([]Document, 0, len(l.cache))
	for _, doc := range l.cache {
		docs = append(docs, *doc)
	}
	l.mu.RUnlock()

	sort.SliceStable(
		docs,
		func(i, j int) bool {
			return docs[i].PublishedAt > docs[j].PublishedAt
		},
	)
	if offset >= len(docs) {
		return nil
	}
	docs = docs[offset:]
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}

// RecordFetched upserts a ledger record for a successfully downloaded
// document. Idempotent: repeat calls with the same content leave the
// record in the same state. A fetched record stays retryable until
// RecordIndexed or RecordFailed moves it on.
func (l *Ledger) RecordFetched(
	ctx context.Context,
	listing DocumentListing,
	filename string,
	contentHash string,
) (*Document, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	doc := Document{
		ID:          listing.Identity,
		Title:       listing.Title,
		PublishedAt: listing.PublishedAt.UnixMilli(),
		Filename:    filename,
		ContentHash: contentHash,
		FetchedAt:   now.UnixMilli(),
		State:       DocumentStateFetched,
	}

	if existing, ok := l.cache[listing.Identity]; ok {
		if !existing.State.validTransition(DocumentStateFetched) {
			return nil, fmt.Errorf(
				"cannot re-fetch document in state %q: %s",
				existing.State, listing.Identity,
			)
		}
		doc.CreatedAt = existing.CreatedAt
		doc.WorkspaceLocation = existing.WorkspaceLocation
	}

	err := l.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: "id"}},
					DoUpdates: clause.AssignmentColumns(
						[]string{
							columnDocumentState,
							columnDocumentContentHash,
							columnDocumentFetchedAt,
							"title",
							"published_at",
							"filename",
						},
					),
				},
			).Create(&doc).Error
		},
	)
	if err != nil {
		l.logger.ErrorContext(
			ctx,
			"error recording fetched document",
			tint.Err(err),
			"document", doc,
		)
		return nil, err
	}

	l.cache[doc.ID] = &doc
	return &doc, nil
}

// RecordIndexed marks a fetched document as accepted by the workspace.
// Returns ErrUnknownDocument if the identity was never fetched.
func (l *Ledger) RecordIndexed(
	ctx context.Context,
	identity string,
	workspaceLocation string,
) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, ok := l.cache[identity]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDocument, identity)
	}
	if doc.State == DocumentStateIndexed {
		return nil
	}
	if !doc.State.validTransition(DocumentStateIndexed) {
		return fmt.Errorf(
			"cannot index document in state %q: %s",
			doc.State, identity,
		)
	}

	indexedAt := time.Now().UTC().UnixMilli()
	_, err := l.db.Updates(
		ctx,
		&Document{ID: identity},
		map[string]any{
			columnDocumentState:             DocumentStateIndexed,
			columnDocumentIndexedAt:         indexedAt,
			columnDocumentWorkspaceLocation: workspaceLocation,
			columnDocumentError:             "",
		},
	)
	if err != nil {
		return err
	}

	doc.State = DocumentStateIndexed
	doc.IndexedAt = indexedAt
	doc.WorkspaceLocation = workspaceLocation
	doc.Error = ""
	return nil
}

// RecordFailed marks an identity as permanently failed, so the sync
// engine stops retrying it. Works for identities with no prior record
// (ex: a document retracted between listing and download).
func (l *Ledger) RecordFailed(
	ctx context.Context,
	listing DocumentListing,
	reason string,
) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.cache[listing.Identity]; ok {
		if existing.State == DocumentStateFailed {
			return nil
		}
		_, err := l.db.Updates(
			ctx,
			&Document{ID: listing.Identity},
			map[string]any{
				columnDocumentState: DocumentStateFailed,
				columnDocumentError: reason,
			},
		)
		if err != nil {
			return err
		}
		existing.State = DocumentStateFailed
		existing.Error = reason
		return nil
	}

	doc := Document{
		ID:          listing.Identity,
		Title:       listing.Title,
		PublishedAt: listing.PublishedAt.UnixMilli(),
		State:       DocumentStateFailed,
		Error:       reason,
	}
	if _, err := l.db.Create(ctx, &doc); err != nil {
		return err
	}
	l.cache[doc.ID] = &doc
	return nil
}

// CountByState returns the number of ledger records per state.
func (l *Ledger) CountByState() map[DocumentState]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	counts := map[DocumentState]int{}
	for _, doc := range l.cache {
		counts[doc.State]++
	}
	return counts
}
