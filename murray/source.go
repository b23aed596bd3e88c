package murray

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/lmittmann/tint"
)

const (
	// fiaBaseURL resolves the relative document hrefs on the listing page
	fiaBaseURL = "https://www.fia.com"

	// fiaPublishedLayout is the date format used in the 'Published on'
	// field of each document row (ex: "18.06.24 14:30")
	fiaPublishedLayout = "02.01.06 15:04"
)

var (
	// ErrSourceUnavailable indicates a transient network or server
	// failure talking to the document source. Retried next cycle.
	ErrSourceUnavailable = errors.New("document source unavailable")

	// ErrSourceParse indicates the listing page markup wasn't
	// recognized. Retried next cycle (the page may be mid-publish).
	ErrSourceParse = errors.New("unrecognized document listing format")

	// ErrDocumentNotFound indicates a listed document returned 404 on
	// download - retracted at the source. Permanent.
	ErrDocumentNotFound = errors.New("document not found at source")
)

// SourceClient fetches the FIA document listing and downloads individual
// documents. It performs network I/O only and never touches the ledger.
type SourceClient struct {
	// listingURL is the season documents page to poll
	listingURL string

	// baseURL resolves relative document links
	baseURL string

	httpClient      *http.Client
	downloadTimeout time.Duration
	logger          *slog.Logger
}

// NewSourceClient creates a SourceClient for the given listing URL.
func NewSourceClient(
	listingURL string,
	downloadTimeout time.Duration,
	httpClient *http.Client,
	logger *slog.Logger,
) *SourceClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SourceClient{
		listingURL:      listingURL,
		baseURL:         fiaBaseURL,
		httpClient:      httpClient,
		downloadTimeout: downloadTimeout,
		logger:          logger.With(loggerNameKey, "source"),
	}
}

// ListDocuments fetches the listing page and returns the documents
// published for the active Grand Prix, newest first.
//
// The FIA page groups documents by event under `ul.event-wrapper`; the
// current event carries an `event-title active` marker, and each
// document sits in a `li.document-row` with a title, a link, and a
// publication date.
func (c *SourceClient) ListDocuments(ctx context.Context) ([]DocumentListing, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.listingURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error building listing request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf(
			"%w: listing returned status %d",
			ErrSourceUnavailable,
			resp.StatusCode,
		)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceParse, err)
	}

	return c.parseListing(ctx, doc)
}

func (c *SourceClient) parseListing(
	ctx context.Context,
	doc *goquery.Document,
) ([]DocumentListing, error) {
	eventWrapper := doc.Find("ul.event-wrapper")
	if eventWrapper.Length() == 0 {
		return nil, fmt.Errorf("%w: no event wrapper found", ErrSourceParse)
	}

	var listings []DocumentListing
	var foundActive bool

	eventWrapper.ChildrenFiltered("li").EachWithBreak(
		func(_ int, event *goquery.Selection) bool {
			if event.Find(".event-title.active").Length() == 0 {
				return true
			}
			foundActive = true

			event.Find("li.document-row").Each(
				func(_ int, row *goquery.Selection) {
					listing, ok := c.parseDocumentRow(ctx, row)
					if ok {
						listings = append(listings, listing)
					}
				},
			)
			// only the active Grand Prix is processed
			return false
		},
	)

	if !foundActive {
		return nil, fmt.Errorf("%w: no active event found", ErrSourceParse)
	}

	// newest first, matching the order documents are published in
	sort.SliceStable(
		listings, func(i, j int) bool {
			return listings[i].PublishedAt.After(listings[j].PublishedAt)
		},
	)

	return listings, nil
}

// parseDocumentRow extracts one DocumentListing from a document row.
// Rows with a missing link or an unparseable date are skipped with a
// warning rather than failing the whole listing.
func (c *SourceClient) parseDocumentRow(
	ctx context.Context,
	row *goquery.Selection,
) (DocumentListing, bool) {
	title := strings.TrimSpace(row.Find(".title").First().Text())

	href, ok := row.Find("a").First().Attr("href")
	if !ok || href == "" {
		c.logger.WarnContext(
			ctx,
			"document row has no link",
			"title", title,
		)
		return DocumentListing{}, false
	}

	publishedStr := strings.TrimSpace(
		row.Find(".published .date-display-single").First().Text(),
	)
	published, err := time.Parse(fiaPublishedLayout, publishedStr)
	if err != nil {
		c.logger.WarnContext(
			ctx,
			"error parsing document publication date",
			tint.Err(err),
			"title", title,
			"published", publishedStr,
		)
		return DocumentListing{}, false
	}

	return DocumentListing{
		Identity:    c.resolveURL(href),
		Title:       title,
		PublishedAt: published,
	}, true
}

// resolveURL resolves a relative document href against the FIA site.
func (c *SourceClient) resolveURL(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return c.baseURL + href
	}
	return base.ResolveReference(ref).String()
}

// Download retrieves one document's raw bytes. Returns
// ErrDocumentNotFound if the source retracted the document since it was
// listed, or ErrSourceUnavailable for transient failures.
func (c *SourceClient) Download(ctx context.Context, documentURL string) ([]byte, error) {
	if c.downloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.downloadTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, documentURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error building download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentURL)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf(
			"%w: download returned status %d",
			ErrSourceUnavailable,
			resp.StatusCode,
		)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return content, nil
}

// saveDocument writes document content into the data directory using
// write-to-temp-then-rename, so a crash mid-write never leaves a
// partial file behind.
func saveDocument(dataDir string, filename string, content []byte) (string, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("error creating data dir: %w", err)
	}

	target := filepath.Join(dataDir, filename)
	tmp, err := os.CreateTemp(dataDir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("error creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err = io.Copy(tmp, bytes.NewReader(content)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("error writing document: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("error closing temp file: %w", err)
	}
	if err = os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("error renaming document: %w", err)
	}
	return target, nil
}

// filenameFromListing derives the local (and workspace) filename for a
// listed document, preferring the page title over the URL path segment.
func filenameFromListing(listing DocumentListing) string {
	name := listing.Title
	if name == "" {
		parts := strings.Split(listing.Identity, "/")
		name = parts[len(parts)-1]
	}
	return cleanFilename(name)
}
