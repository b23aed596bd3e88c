package murray

import (
	"log/slog"
	"time"

	"gorm.io/gorm"
)

const (
	// DocumentStateUnseen is the implicit state of a listed document with
	// no ledger record. It's never persisted; a row exists only once a
	// document has been fetched (or permanently failed).
	DocumentStateUnseen DocumentState = "unseen"

	// DocumentStateFetched indicates the document was downloaded but not
	// yet accepted by the workspace. Re-entrant: the sync engine retries
	// indexing on each cycle until it succeeds or fails permanently.
	DocumentStateFetched DocumentState = "fetched"

	// DocumentStateIndexed indicates the document is in the workspace.
	// Terminal, unless the source republishes different content under
	// the same identity.
	DocumentStateIndexed DocumentState = "indexed"

	// DocumentStateFailed indicates a permanent, per-document failure
	// (retracted at the source, or rejected by the workspace). Terminal;
	// never retried.
	DocumentStateFailed DocumentState = "failed"
)

var (
	columnDocumentState             = "state"
	columnDocumentContentHash       = "content_hash"
	columnDocumentFetchedAt         = "fetched_at"
	columnDocumentIndexedAt         = "indexed_at"
	columnDocumentError             = "error"
	columnDocumentWorkspaceLocation = "workspace_location"
)

// DocumentState is the ledger state for a single FIA document.
type DocumentState string

func (s DocumentState) String() string {
	return string(s)
}

// IsTerminal returns true if the state is one the sync engine will not
// act on again (indexed or permanently failed).
func (s DocumentState) IsTerminal() bool {
	switch s {
	case DocumentStateIndexed:
		return true
	case DocumentStateFailed:
		return true
	default:
		return false
	}
}

// NeedsIndexing returns true if the document was fetched but hasn't been
// accepted by the workspace yet.
func (s DocumentState) NeedsIndexing() bool {
	return s == DocumentStateFetched
}

// validTransition reports whether moving from s to next is a legal
// ledger state change. Documents never regress from indexed to fetched
// except through a republication re-fetch, which is modeled as
// indexed->fetched here.
func (s DocumentState) validTransition(next DocumentState) bool {
	switch s {
	case DocumentStateUnseen:
		return next == DocumentStateFetched || next == DocumentStateFailed
	case DocumentStateFetched:
		return next == DocumentStateFetched ||
			next == DocumentStateIndexed ||
			next == DocumentStateFailed
	case DocumentStateIndexed:
		// re-fetch after the source republished different content
		return next == DocumentStateFetched || next == DocumentStateIndexed
	case DocumentStateFailed:
		return false
	default:
		return false
	}
}

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// Document is a single ledger record: one FIA document, keyed by its
// canonical URL, tracking whether it's been downloaded and pushed into
// the workspace.
//
// A record is 'complete' only when FetchedAt is set and State is
// indexed; a fetched-but-not-indexed record is retried by the sync
// engine, not treated as done. Records are never deleted - the ledger is
// append-only history.
type Document struct {
	// ID is the canonical document URL - the stable identity used for
	// deduplication across poll cycles and restarts.
	ID string `gorm:"primaryKey" json:"id"`

	// Title as shown on the FIA documents page
	Title string `json:"title"`

	// PublishedAt is the publication timestamp from the listing, unix ms
	PublishedAt int64 `json:"published_at"`

	// Filename is the sanitized name the document was saved under, both
	// locally and in the workspace
	Filename string `json:"filename"`

	// ContentHash is the SHA-256 of the downloaded bytes, used to detect
	// silent republication under the same identity
	ContentHash string `json:"content_hash"`

	// FetchedAt is the time of the last successful download, unix ms
	FetchedAt int64 `json:"fetched_at,omitempty"`

	// IndexedAt is the time the workspace accepted the document, unix ms
	IndexedAt int64 `json:"indexed_at,omitempty"`

	// State is the ledger state (fetched, indexed, failed)
	State DocumentState `gorm:"index" json:"state"`

	// Error holds the failure detail for failed documents
	Error string `json:"error,omitempty"`

	// WorkspaceLocation is the document location returned by the
	// workspace upload, needed for the embeddings update call
	WorkspaceLocation string `json:"workspace_location,omitempty"`

	ModelUnixTime
}

func (d Document) LogValue() slog.Value {
	return structToSlogValue(d)
}

// Complete returns true when the document has been both fetched and
// indexed.
func (d Document) Complete() bool {
	return d.FetchedAt > 0 && d.State == DocumentStateIndexed
}

// DocumentListing is one row parsed from the FIA documents page - a
// document the source currently advertises, before any ledger state is
// attached.
type DocumentListing struct {
	// Identity is the canonical document URL
	Identity string `json:"identity"`

	// Title as shown on the page
	Title string `json:"title"`

	// PublishedAt is the parsed publication timestamp
	PublishedAt time.Time `json:"published_at"`
}
