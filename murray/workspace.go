package murray

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path"
	"strings"

	"golang.org/x/time/rate"
)

var (
	// ErrIndexingUnavailable indicates a transient workspace failure
	// (network error, 5xx, rate limit). The document stays 'fetched' and
	// is retried next cycle.
	ErrIndexingUnavailable = errors.New("workspace unavailable")

	// ErrIndexingRejected indicates the workspace refused the document
	// (malformed, too large). Permanent - the document is marked failed
	// and never retried.
	ErrIndexingRejected = errors.New("workspace rejected document")

	// ErrWorkspaceAuth indicates the configured API key was rejected.
	// Fatal at startup.
	ErrWorkspaceAuth = errors.New("workspace authentication failed")
)

// Workspace is the AnythingLLM client. It covers both halves of the
// bot: pushing documents into the workspace (upload, move, embed) for
// the sync engine, and answering chat queries for the relay.
//
// Outbound calls are rate limited; AnythingLLM's embedding endpoints
// are slow and do not appreciate bursts.
type Workspace struct {
	config     *AnythingLLMConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewWorkspace creates a Workspace client from config.
func NewWorkspace(
	config *AnythingLLMConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) *Workspace {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	rps := config.MaxRequestsPerSecond
	if rps <= 0 {
		rps = DefaultWorkspaceMaxRequestsPerSecond
	}
	return &Workspace{
		config:     config,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		logger:     logger.With(loggerNameKey, "workspace"),
	}
}

func (w *Workspace) endpoint(parts ...string) string {
	return strings.TrimSuffix(w.config.BaseURL, "/") + "/" + path.Join(parts...)
}

func (w *Workspace) newRequest(
	ctx context.Context,
	method string,
	url string,
	body io.Reader,
) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+w.config.APIKey)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// Verify checks the configured API key against the auth endpoint.
// Called once at startup - an invalid key is a process-level failure,
// not something to retry each cycle.
func (w *Workspace) Verify(ctx context.Context) error {
	req, err := w.newRequest(ctx, http.MethodGet, w.endpoint("v1", "auth"), nil)
	if err != nil {
		return err
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexingUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrWorkspaceAuth, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: auth check returned status %d", ErrIndexingUnavailable, resp.StatusCode)
	}
	return nil
}

type workspaceUploadResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Documents []struct {
		Location string `json:"location"`
	} `json:"documents"`
}

// Upload pushes one document's content to the workspace document store,
// returning the stored location. The location is needed later for the
// move-files and update-embeddings calls.
func (w *Workspace) Upload(
	ctx context.Context,
	filename string,
	content []byte,
) (string, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return "", err
	}
	if w.config.UploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.UploadTimeout)
		defer cancel()
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err = part.Write(content); err != nil {
		return "", err
	}
	if err = mw.Close(); err != nil {
		return "", err
	}

	req, err := w.newRequest(
		ctx,
		http.MethodPost,
		w.endpoint("v1", "document", "upload"),
		&buf,
	)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIndexingUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err = classifyStatus(resp.StatusCode); err != nil {
		return "", fmt.Errorf("%w (upload %q)", err, filename)
	}

	var uploadResp workspaceUploadResponse
	if err = json.NewDecoder(resp.Body).Decode(&uploadResp); err != nil {
		return "", fmt.Errorf("%w: malformed upload response: %v", ErrIndexingUnavailable, err)
	}
	if !uploadResp.Success {
		return "", fmt.Errorf("%w: %s", ErrIndexingRejected, uploadResp.Error)
	}
	if len(uploadResp.Documents) == 0 {
		return "", fmt.Errorf("%w: upload returned no documents", ErrIndexingRejected)
	}
	return uploadResp.Documents[0].Location, nil
}

// MoveFiles relocates uploaded documents into the configured workspace
// folder, returning the new locations.
func (w *Workspace) MoveFiles(
	ctx context.Context,
	locations []string,
) ([]string, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	type move struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	moves := make([]move, 0, len(locations))
	destinations := make([]string, 0, len(locations))
	for _, loc := range locations {
		dest := w.config.Folder + "/" + path.Base(loc)
		moves = append(moves, move{From: loc, To: dest})
		destinations = append(destinations, dest)
	}

	payload, err := json.Marshal(map[string]any{"files": moves})
	if err != nil {
		return nil, err
	}

	req, err := w.newRequest(
		ctx,
		http.MethodPost,
		w.endpoint("v1", "document", "move-files"),
		bytes.NewReader(payload),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexingUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err = classifyStatus(resp.StatusCode); err != nil {
		return nil, fmt.Errorf("%w (move-files)", err)
	}
	return destinations, nil
}

// UpdateEmbeddings adds the given document locations to the workspace's
// embedding set, making them retrievable by chat queries.
func (w *Workspace) UpdateEmbeddings(ctx context.Context, adds []string) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}
	if w.config.UploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.UploadTimeout)
		defer cancel()
	}

	payload, err := json.Marshal(
		map[string]any{
			"adds":    adds,
			"deletes": []string{},
		},
	)
	if err != nil {
		return err
	}

	req, err := w.newRequest(
		ctx,
		http.MethodPost,
		w.endpoint("v1", "workspace", w.config.Workspace, "update-embeddings"),
		bytes.NewReader(payload),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexingUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err = classifyStatus(resp.StatusCode); err != nil {
		return fmt.Errorf("%w (update-embeddings)", err)
	}
	return nil
}

// Submit is the single 'index this document' operation the sync engine
// calls: upload the content, move it into the workspace folder, and add
// it to the workspace embeddings. Returns the final workspace location.
func (w *Workspace) Submit(
	ctx context.Context,
	filename string,
	content []byte,
) (string, error) {
	location, err := w.Upload(ctx, filename, content)
	if err != nil {
		return "", err
	}

	moved, err := w.MoveFiles(ctx, []string{location})
	if err != nil {
		return "", err
	}
	location = moved[0]

	if err = w.UpdateEmbeddings(ctx, []string{location}); err != nil {
		return "", err
	}
	return location, nil
}

type workspaceChatResponse struct {
	TextResponse string `json:"textResponse"`
	Error        string `json:"error"`
}

// Chat sends a query to the workspace chat endpoint and returns the
// text response. This is the document-grounded relay path.
func (w *Workspace) Chat(ctx context.Context, message string) (string, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return "", err
	}
	if w.config.ChatTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.ChatTimeout)
		defer cancel()
	}

	payload, err := json.Marshal(
		map[string]string{
			"message": message,
			"mode":    "chat",
		},
	)
	if err != nil {
		return "", err
	}

	req, err := w.newRequest(
		ctx,
		http.MethodPost,
		w.endpoint("v1", "workspace", w.config.Workspace, "chat"),
		bytes.NewReader(payload),
	)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIndexingUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf(
			"%w: chat returned status %d",
			ErrIndexingUnavailable,
			resp.StatusCode,
		)
	}

	var chatResp workspaceChatResponse
	if err = json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("error decoding chat response: %w", err)
	}
	if chatResp.Error != "" {
		return "", fmt.Errorf("workspace chat error: %s", chatResp.Error)
	}
	return chatResp.TextResponse, nil
}

// classifyStatus maps an HTTP status to the indexing error taxonomy:
// 5xx and 429 are transient, other non-2xx are permanent rejections.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: status %d", ErrIndexingUnavailable, status)
	default:
		return fmt.Errorf("%w: status %d", ErrIndexingRejected, status)
	}
}
