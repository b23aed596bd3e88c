package murray

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource serves a FIA-style listing page and document downloads,
// counting requests so tests can assert on network behavior.
type fakeSource struct {
	mu sync.Mutex

	// path -> content; a missing path returns 404
	documents map[string][]byte

	listingStatus int
	listingCount  int
	downloads     map[string]int

	server *httptest.Server
}

func newFakeSource(t testing.TB) *fakeSource {
	t.Helper()
	fs := &fakeSource{
		documents:     map[string][]byte{},
		downloads:     map[string]int{},
		listingStatus: http.StatusOK,
	}
	fs.server = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.server.Close)
	return fs
}

func (f *fakeSource) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/documents" {
		f.listingCount++
		if f.listingStatus != http.StatusOK {
			w.WriteHeader(f.listingStatus)
			return
		}
		_, _ = w.Write([]byte(f.listingHTML()))
		return
	}

	f.downloads[r.URL.Path]++
	content, ok := f.documents[r.URL.Path]
	if !ok || content == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	_, _ = w.Write(content)
}

// addDocument registers a downloadable document and returns its path.
// A nil content keeps the document in the listing but 404s the
// download, modeling a retraction.
func (f *fakeSource) addDocument(name string, content []byte) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	docPath := "/files/" + name
	f.documents[docPath] = content
	return docPath
}

// removeDocument drops a document from the listing entirely.
func (f *fakeSource) removeDocument(docPath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.documents, docPath)
}

func (f *fakeSource) setListingStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listingStatus = status
}

func (f *fakeSource) downloadCount(docPath string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads[docPath]
}

// listingHTML renders every registered document as a row under a single
// active event. Call with f.mu held.
func (f *fakeSource) listingHTML() string {
	var rows strings.Builder
	i := 0
	for docPath := range f.documents {
		i++
		fmt.Fprintf(
			&rows,
			`<li class="document-row">
<div class="title">%s</div>
<a href="%s"></a>
<div class="published"><span class="date-display-single">07.06.24 %02d:00</span></div>
</li>`,
			strings.TrimSuffix(path.Base(docPath), ".pdf"),
			docPath,
			10+i%12,
		)
	}
	return `<html><body><ul class="event-wrapper"><li>
<div class="event-title active">Canadian Grand Prix</div>
<ul>` + rows.String() + `</ul>
</li></ul></body></html>`
}

// fakeWorkspace implements the AnythingLLM endpoints the sync engine
// calls, counting uploads and optionally failing.
type fakeWorkspace struct {
	mu sync.Mutex

	uploads      []string
	failStatus   int
	rejectUpload bool

	server *httptest.Server
}

func newFakeWorkspace(t testing.TB) *fakeWorkspace {
	t.Helper()
	fw := &fakeWorkspace{}
	fw.server = httptest.NewServer(http.HandlerFunc(fw.handle))
	t.Cleanup(fw.server.Close)
	return fw
}

func (f *fakeWorkspace) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failStatus != 0 {
		w.WriteHeader(f.failStatus)
		return
	}

	switch {
	case r.URL.Path == "/v1/auth":
		w.WriteHeader(http.StatusOK)
	case r.URL.Path == "/v1/document/upload":
		if f.rejectUpload {
			_ = json.NewEncoder(w).Encode(
				map[string]any{"success": false, "error": "unsupported file type"},
			)
			return
		}
		_ = r.ParseMultipartForm(1 << 20)
		_, header, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.uploads = append(f.uploads, header.Filename)
		_ = json.NewEncoder(w).Encode(
			map[string]any{
				"success": true,
				"documents": []map[string]any{
					{"location": "custom-documents/" + header.Filename + ".json"},
				},
			},
		)
	case r.URL.Path == "/v1/document/move-files":
		w.WriteHeader(http.StatusOK)
	case strings.HasSuffix(r.URL.Path, "/update-embeddings"):
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeWorkspace) setFailStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failStatus = status
}

func (f *fakeWorkspace) setRejectUpload(reject bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectUpload = reject
}

func (f *fakeWorkspace) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

type syncHarness struct {
	source    *fakeSource
	workspace *fakeWorkspace
	ledger    *Ledger
	syncer    *Syncer
	dataDir   string
}

func newSyncHarness(t testing.TB) *syncHarness {
	t.Helper()

	source := newFakeSource(t)
	workspace := newFakeWorkspace(t)
	ledger := newTestLedger(t)
	dataDir := t.TempDir()

	sourceClient := NewSourceClient(
		source.server.URL+"/documents",
		time.Minute,
		source.server.Client(),
		nil,
	)
	sourceClient.baseURL = source.server.URL

	workspaceClient := NewWorkspace(
		testWorkspaceConfig(workspace.server.URL),
		workspace.server.Client(),
		nil,
	)

	syncer := NewSyncer(
		&SyncConfig{
			Enabled:         true,
			URL:             source.server.URL + "/documents",
			DataDir:         dataDir,
			Interval:        time.Hour,
			DownloadTimeout: time.Minute,
			ImportBatchSize: 2,
		},
		sourceClient,
		workspaceClient,
		ledger,
		nil,
	)

	return &syncHarness{
		source:    source,
		workspace: workspace,
		ledger:    ledger,
		syncer:    syncer,
		dataDir:   dataDir,
	}
}

func (h *syncHarness) identity(docPath string) string {
	return h.source.server.URL + docPath
}

func TestSyncFirstRun(t *testing.T) {
	h := newSyncHarness(t)
	entryList := h.source.addDocument("entry_list.pdf", []byte("%PDF entry list"))
	decision := h.source.addDocument("stewards_decision.pdf", []byte("%PDF decision"))

	stats, err := h.syncer.SyncNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Listed)
	assert.Equal(t, 2, stats.New)
	assert.Equal(t, 2, stats.Indexed)
	assert.Zero(t, stats.Failed)

	for _, docPath := range []string{entryList, decision} {
		doc := h.ledger.Get(h.identity(docPath))
		require.NotNil(t, doc, "ledger record for %s", docPath)
		assert.Equal(t, DocumentStateIndexed, doc.State)
		assert.NotEmpty(t, doc.ContentHash)
		assert.NotEmpty(t, doc.WorkspaceLocation)
		assert.True(t, doc.Complete())

		saved, readErr := os.ReadFile(filepath.Join(h.dataDir, doc.Filename))
		require.NoError(t, readErr)
		assert.Equal(t, hashContent(saved), doc.ContentHash)
	}

	assert.Equal(t, 2, h.workspace.uploadCount())
	require.NotNil(t, h.syncer.LastCycle())
	assert.Equal(t, 2, h.syncer.LastCycle().Indexed)
}

func TestSyncNoChangesMakesNoCalls(t *testing.T) {
	h := newSyncHarness(t)
	docPath := h.source.addDocument("entry_list.pdf", []byte("%PDF entry list"))

	_, err := h.syncer.SyncNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.source.downloadCount(docPath))
	require.Equal(t, 1, h.workspace.uploadCount())

	// a second cycle sees the same listing and touches nothing
	stats, err := h.syncer.SyncNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Listed)
	assert.Zero(t, stats.New)
	assert.Zero(t, stats.Indexed)
	assert.Equal(t, 1, stats.Skipped)

	assert.Equal(t, 1, h.source.downloadCount(docPath), "no re-download")
	assert.Equal(t, 1, h.workspace.uploadCount(), "no re-upload")
}

func TestSyncRetractedDocument(t *testing.T) {
	h := newSyncHarness(t)

	// listed, but retracted before the download happens
	docPath := h.source.addDocument("ghost.pdf", nil)

	stats, err := h.syncer.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	doc := h.ledger.Get(h.identity(docPath))
	require.NotNil(t, doc)
	assert.Equal(t, DocumentStateFailed, doc.State)
	assert.NotEmpty(t, doc.Error)

	// failed is permanent: the next cycle skips it entirely
	first := h.source.downloadCount(docPath)
	stats, err = h.syncer.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, first, h.source.downloadCount(docPath))
}

func TestSyncDelistedDocumentKept(t *testing.T) {
	h := newSyncHarness(t)
	docPath := h.source.addDocument("entry_list.pdf", []byte("%PDF entry list"))

	_, err := h.syncer.SyncNow(context.Background())
	require.NoError(t, err)

	// the event page rotates; documents from past events disappear from
	// the listing but stay in the ledger forever
	h.source.removeDocument(docPath)

	stats, err := h.syncer.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Listed)

	doc := h.ledger.Get(h.identity(docPath))
	require.NotNil(t, doc)
	assert.Equal(t, DocumentStateIndexed, doc.State)
}

func TestSyncWorkspaceRejection(t *testing.T) {
	h := newSyncHarness(t)
	docPath := h.source.addDocument("bad.pdf", []byte("%PDF corrupt"))
	h.workspace.setRejectUpload(true)

	stats, err := h.syncer.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.New)
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.Indexed)

	doc := h.ledger.Get(h.identity(docPath))
	require.NotNil(t, doc)
	assert.Equal(t, DocumentStateFailed, doc.State)
	assert.Contains(t, doc.Error, "unsupported file type")

	// never retried, even after the workspace would accept it
	h.workspace.setRejectUpload(false)
	stats, err = h.syncer.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, h.workspace.uploadCount())
}

func TestSyncWorkspaceUnavailable(t *testing.T) {
	h := newSyncHarness(t)
	docPath := h.source.addDocument("decision.pdf", []byte("%PDF decision"))
	h.workspace.setFailStatus(http.StatusServiceUnavailable)

	// several cycles while the workspace is down: the document stays
	// fetched and is never marked failed
	for i := 0; i < 3; i++ {
		stats, err := h.syncer.SyncNow(context.Background())
		require.NoError(t, err)
		assert.Zero(t, stats.Indexed)
		assert.Zero(t, stats.Failed)
	}
	doc := h.ledger.Get(h.identity(docPath))
	require.NotNil(t, doc)
	assert.Equal(t, DocumentStateFetched, doc.State)

	// the download happened once; retries reuse the saved copy
	assert.Equal(t, 1, h.source.downloadCount(docPath))

	h.workspace.setFailStatus(0)
	stats, err := h.syncer.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Resumed)
	assert.Equal(t, 1, stats.Indexed)

	doc = h.ledger.Get(h.identity(docPath))
	assert.Equal(t, DocumentStateIndexed, doc.State)
	assert.Equal(t, 1, h.source.downloadCount(docPath), "no re-download on retry")
}

func TestSyncResumeAfterRestart(t *testing.T) {
	h := newSyncHarness(t)
	docPath := h.source.addDocument("notes.pdf", []byte("%PDF race notes"))

	// simulate a previous process that fetched but never indexed
	content := []byte("%PDF race notes")
	listing := DocumentListing{
		Identity:    h.identity(docPath),
		Title:       "notes",
		PublishedAt: time.Date(2024, 6, 7, 11, 0, 0, 0, time.UTC),
	}
	filename := filenameFromListing(listing)
	_, err := h.ledger.RecordFetched(
		context.Background(),
		listing,
		filename,
		hashContent(content),
	)
	require.NoError(t, err)
	_, err = saveDocument(h.dataDir, filename, content)
	require.NoError(t, err)

	stats, err := h.syncer.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Resumed)
	assert.Equal(t, 1, stats.Indexed)
	assert.Zero(t, h.source.downloadCount(docPath), "local copy reused")

	doc := h.ledger.Get(h.identity(docPath))
	assert.Equal(t, DocumentStateIndexed, doc.State)
}

func TestSyncResumeMissingLocalFile(t *testing.T) {
	h := newSyncHarness(t)
	docPath := h.source.addDocument("notes.pdf", []byte("%PDF race notes"))

	// fetched record, but the data dir was wiped
	listing := DocumentListing{
		Identity:    h.identity(docPath),
		Title:       "notes",
		PublishedAt: time.Date(2024, 6, 7, 11, 0, 0, 0, time.UTC),
	}
	_, err := h.ledger.RecordFetched(
		context.Background(),
		listing,
		filenameFromListing(listing),
		hashContent([]byte("%PDF race notes")),
	)
	require.NoError(t, err)

	stats, err := h.syncer.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Indexed)
	assert.Equal(t, 1, h.source.downloadCount(docPath), "re-downloaded")
}

func TestSyncResumeChangedLocalFile(t *testing.T) {
	h := newSyncHarness(t)
	docPath := h.source.addDocument("notes.pdf", []byte("%PDF v2"))

	listing := DocumentListing{
		Identity:    h.identity(docPath),
		Title:       "notes",
		PublishedAt: time.Date(2024, 6, 7, 11, 0, 0, 0, time.UTC),
	}
	filename := filenameFromListing(listing)
	_, err := h.ledger.RecordFetched(
		context.Background(),
		listing,
		filename,
		hashContent([]byte("%PDF v1")),
	)
	require.NoError(t, err)
	// local copy doesn't match the recorded hash
	_, err = saveDocument(h.dataDir, filename, []byte("%PDF corrupted"))
	require.NoError(t, err)

	stats, err := h.syncer.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Indexed)
	assert.Equal(t, 1, h.source.downloadCount(docPath))

	doc := h.ledger.Get(h.identity(docPath))
	assert.Equal(t, hashContent([]byte("%PDF v2")), doc.ContentHash)
}

func TestSyncSourceUnavailable(t *testing.T) {
	h := newSyncHarness(t)
	h.source.addDocument("entry_list.pdf", []byte("%PDF entry list"))
	h.source.setListingStatus(http.StatusInternalServerError)

	stats, err := h.syncer.SyncNow(context.Background())
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Zero(t, stats.Listed)
	assert.NotEmpty(t, stats.Error)

	// no state was recorded; the next successful cycle starts fresh
	assert.Zero(t, h.ledger.Len())

	h.source.setListingStatus(http.StatusOK)
	stats, err = h.syncer.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Indexed)
}

func TestSyncImport(t *testing.T) {
	h := newSyncHarness(t)
	var urls []string
	for _, name := range []string{"a.pdf", "b.pdf", "c.pdf"} {
		docPath := h.source.addDocument(name, []byte("%PDF "+name))
		urls = append(urls, h.identity(docPath))
	}

	// batch size is 2, so this spans two batches
	stats, err := h.syncer.Import(context.Background(), urls)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Listed)
	assert.Equal(t, 3, stats.Indexed)

	for _, u := range urls {
		doc := h.ledger.Get(u)
		require.NotNil(t, doc)
		assert.Equal(t, DocumentStateIndexed, doc.State)
	}

	// importing the same urls again is a no-op
	stats, err = h.syncer.Import(context.Background(), urls)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Skipped)
	assert.Zero(t, stats.Indexed)
}

func TestReadURLFile(t *testing.T) {
	tmpdir := t.TempDir()
	urlFile := filepath.Join(tmpdir, "urls.txt")
	require.NoError(
		t,
		os.WriteFile(
			urlFile,
			[]byte("https://example.com/a.pdf\n\n  https://example.com/b.pdf  \n"),
			0644,
		),
	)

	urls, err := ReadURLFile(urlFile)
	require.NoError(t, err)
	assert.Equal(
		t,
		[]string{"https://example.com/a.pdf", "https://example.com/b.pdf"},
		urls,
	)

	_, err = ReadURLFile(filepath.Join(tmpdir, "missing.txt"))
	assert.Error(t, err)
}

func TestSyncRunStopsOnCancel(t *testing.T) {
	h := newSyncHarness(t)
	h.source.addDocument("entry_list.pdf", []byte("%PDF entry list"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.syncer.Run(ctx)
	}()

	// the immediate first cycle should complete
	require.Eventually(
		t,
		func() bool {
			return h.syncer.LastCycle() != nil
		},
		5*time.Second,
		10*time.Millisecond,
	)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("syncer did not stop after cancel")
	}
}
