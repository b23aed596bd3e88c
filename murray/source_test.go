package murray

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fiaListingHTML mimics the FIA documents page: events grouped under
// ul.event-wrapper, with only the active event's documents relevant.
const fiaListingHTML = `<html><body>
<ul class="event-wrapper">
  <li>
    <div class="event-title">Monaco Grand Prix</div>
    <ul>
      <li class="document-row">
        <div class="title">Doc 99 - Old Event Decision</div>
        <a href="/sites/default/files/decision-document/old_event.pdf"></a>
        <div class="published"><span class="date-display-single">26.05.24 17:00</span></div>
      </li>
    </ul>
  </li>
  <li>
    <div class="event-title active">Canadian Grand Prix</div>
    <ul>
      <li class="document-row">
        <div class="title">Doc 1 - Entry List</div>
        <a href="/sites/default/files/decision-document/entry_list.pdf"></a>
        <div class="published"><span class="date-display-single">06.06.24 10:00</span></div>
      </li>
      <li class="document-row">
        <div class="title">Doc 2 - Stewards Decision</div>
        <a href="/sites/default/files/decision-document/stewards_decision.pdf"></a>
        <div class="published"><span class="date-display-single">07.06.24 15:30</span></div>
      </li>
      <li class="document-row">
        <div class="title">Doc 3 - No Link</div>
        <div class="published"><span class="date-display-single">07.06.24 16:00</span></div>
      </li>
      <li class="document-row">
        <div class="title">Doc 4 - Bad Date</div>
        <a href="/sites/default/files/decision-document/bad_date.pdf"></a>
        <div class="published"><span class="date-display-single">sometime later</span></div>
      </li>
    </ul>
  </li>
</ul>
</body></html>`

func newTestSourceClient(t testing.TB, handler http.Handler) *SourceClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewSourceClient(server.URL, time.Minute, server.Client(), nil)
	client.baseURL = server.URL
	return client
}

func TestListDocuments(t *testing.T) {
	client := newTestSourceClient(
		t,
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(fiaListingHTML))
			},
		),
	)

	listings, err := client.ListDocuments(context.Background())
	require.NoError(t, err)

	// only the active event's parseable rows, newest first; the old
	// event, the missing link and the bad date are all excluded
	require.Len(t, listings, 2)
	assert.Equal(t, "Doc 2 - Stewards Decision", listings[0].Title)
	assert.Equal(t, "Doc 1 - Entry List", listings[1].Title)
	assert.True(t, listings[0].PublishedAt.After(listings[1].PublishedAt))
	assert.Contains(t, listings[0].Identity, "/stewards_decision.pdf")

	expected := time.Date(2024, 6, 7, 15, 30, 0, 0, time.UTC)
	assert.Equal(t, expected, listings[0].PublishedAt)
}

func TestListDocumentsNoActiveEvent(t *testing.T) {
	html := `<html><body><ul class="event-wrapper">
<li><div class="event-title">Past Event</div></li>
</ul></body></html>`
	client := newTestSourceClient(
		t,
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(html))
			},
		),
	)

	_, err := client.ListDocuments(context.Background())
	assert.ErrorIs(t, err, ErrSourceParse)
}

func TestListDocumentsUnrecognizedMarkup(t *testing.T) {
	client := newTestSourceClient(
		t,
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("<html><body><p>maintenance</p></body></html>"))
			},
		),
	)

	_, err := client.ListDocuments(context.Background())
	assert.ErrorIs(t, err, ErrSourceParse)
}

func TestListDocumentsServerError(t *testing.T) {
	client := newTestSourceClient(
		t,
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
		),
	)

	_, err := client.ListDocuments(context.Background())
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestDownload(t *testing.T) {
	content := []byte("%PDF-1.4 fake document content")
	client := newTestSourceClient(
		t,
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/doc.pdf":
					_, _ = w.Write(content)
				case "/gone.pdf":
					w.WriteHeader(http.StatusNotFound)
				default:
					w.WriteHeader(http.StatusInternalServerError)
				}
			},
		),
	)

	got, err := client.Download(context.Background(), client.baseURL+"/doc.pdf")
	require.NoError(t, err)
	assert.Equal(t, content, got)

	_, err = client.Download(context.Background(), client.baseURL+"/gone.pdf")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	_, err = client.Download(context.Background(), client.baseURL+"/error.pdf")
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestSaveDocument(t *testing.T) {
	tmpdir := t.TempDir()
	content := []byte("%PDF-1.4 saved")

	target, err := saveDocument(tmpdir, "Doc 1 - Entry List.pdf", content)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tmpdir, "Doc 1 - Entry List.pdf"), target)

	saved, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, content, saved)

	// no temp files left behind
	entries, err := os.ReadDir(tmpdir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestResolveURL(t *testing.T) {
	client := NewSourceClient("https://www.fia.com/documents", time.Minute, nil, nil)

	assert.Equal(
		t,
		"https://www.fia.com/sites/default/files/doc.pdf",
		client.resolveURL("/sites/default/files/doc.pdf"),
	)
	assert.Equal(
		t,
		"https://example.com/doc.pdf",
		client.resolveURL("https://example.com/doc.pdf"),
	)
}

func TestFilenameFromListing(t *testing.T) {
	withTitle := DocumentListing{
		Identity: "https://www.fia.com/sites/default/files/entry_list.pdf",
		Title:    "Doc 1 - Entry List",
	}
	assert.Equal(t, "Doc 1 - Entry List.pdf", filenameFromListing(withTitle))

	withoutTitle := DocumentListing{
		Identity: "https://www.fia.com/sites/default/files/2024%20Entry%20List.pdf",
	}
	assert.Equal(t, "2024 Entry List.pdf", filenameFromListing(withoutTitle))
}
