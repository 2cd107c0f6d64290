// Package remoteclient is a thin typed facade over the remote model
// service (spec §4.2): files, responses, vector stores, and batches, with
// internal retry+breaker on transient failures. Grounded on
// original_source/kajovo/core/openai_client.py for the operation set; the
// ProviderAdapter-registry *style* of the reference engine's
// internal/llm/client.go informed how retry/breaker wraps the transport,
// but kilroy itself has no vector-store/batch/previous_response_id
// concepts to reuse code from.
package remoteclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/karelmartinek-a11y/kajovo/internal/retry"
	"github.com/oklog/ulid/v2"
)

func newCorrelationID() string {
	return ulid.Make().String()
}

// RemoteError carries a short excerpt of the server body; the spec forbids
// ever logging a full body (§4.2).
type RemoteError struct {
	StatusCode int
	Excerpt    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.StatusCode, e.Excerpt)
}

func safeExcerpt(body []byte, maxChars int) string {
	s := string(body)
	s = strings.TrimSpace(s)
	if len(s) > maxChars {
		s = s[:maxChars]
	}
	return s
}

// Client is a Responses-API-shaped HTTP facade.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Policy     retry.Policy
	Breaker    *retry.Breaker
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{},
		Policy:     retry.DefaultPolicy(),
		Breaker:    retry.NewBreaker(6, 20*time.Second),
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, timeout time.Duration, correlationID string) (json.RawMessage, error) {
	var result json.RawMessage
	err := retry.Do(ctx, c.Policy, c.Breaker, retry.DefaultTransientClassifier, correlationID, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return err
			}
			reader = bytes.NewReader(data)
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, method, c.BaseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID)
		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &RemoteError{StatusCode: resp.StatusCode, Excerpt: safeExcerpt(respBody, 1200)}
		}
		result = respBody
		return nil
	})
	return result, err
}

func (c *Client) doMultipart(ctx context.Context, path string, fields map[string]string, fileField, fileName string, fileContent io.Reader, timeout time.Duration, correlationID string) (json.RawMessage, error) {
	var result json.RawMessage
	err := retry.Do(ctx, c.Policy, c.Breaker, retry.DefaultTransientClassifier, correlationID, func(ctx context.Context) error {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		for k, v := range fields {
			if err := w.WriteField(k, v); err != nil {
				return err
			}
		}
		fw, err := w.CreateFormFile(fileField, fileName)
		if err != nil {
			return err
		}
		if _, err := io.Copy(fw, fileContent); err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.BaseURL+path, &buf)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
		req.Header.Set("Content-Type", w.FormDataContentType())
		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &RemoteError{StatusCode: resp.StatusCode, Excerpt: safeExcerpt(respBody, 1200)}
		}
		result = respBody
		return nil
	})
	return result, err
}

// --- Files ---

type FileInfo struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Purpose  string `json:"purpose"`
	Bytes    int64  `json:"bytes"`
}

func (c *Client) ListFiles(ctx context.Context) ([]FileInfo, error) {
	raw, err := c.doJSON(ctx, http.MethodGet, "/v1/files", nil, 60*time.Second, newCorrelationID())
	if err != nil {
		return nil, err
	}
	var out struct {
		Data []FileInfo `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) UploadFile(ctx context.Context, path, purpose string) (*FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	raw, err := c.doMultipart(ctx, "/v1/files", map[string]string{"purpose": purpose}, "file", filepath.Base(path), f, 60*time.Second, newCorrelationID())
	if err != nil {
		return nil, err
	}
	var info FileInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) UploadBytes(ctx context.Context, name, purpose string, content io.Reader) (*FileInfo, error) {
	raw, err := c.doMultipart(ctx, "/v1/files", map[string]string{"purpose": purpose}, "file", name, content, 60*time.Second, newCorrelationID())
	if err != nil {
		return nil, err
	}
	var info FileInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) DeleteFile(ctx context.Context, id string) error {
	_, err := c.doJSON(ctx, http.MethodDelete, "/v1/files/"+id, nil, 60*time.Second, newCorrelationID())
	return err
}

func (c *Client) FileContent(ctx context.Context, id string) ([]byte, error) {
	raw, err := c.doJSON(ctx, http.MethodGet, "/v1/files/"+id+"/content", nil, 60*time.Second, newCorrelationID())
	return raw, err
}

func (c *Client) RetrieveFile(ctx context.Context, id string) (*FileInfo, error) {
	raw, err := c.doJSON(ctx, http.MethodGet, "/v1/files/"+id, nil, 60*time.Second, newCorrelationID())
	if err != nil {
		return nil, err
	}
	var info FileInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// --- Responses ---

// InputFilePart and InputTextPart are the two content-part shapes spec §4.2 names.
type InputTextPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type InputFilePart struct {
	Type   string `json:"type"`
	FileID string `json:"file_id"`
}

// InputMessage is one entry of a create_response payload's input[] list.
type InputMessage struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content []any  `json:"content"`
}

func NewTextMessage(role, text string) InputMessage {
	return InputMessage{Type: "message", Role: role, Content: []any{InputTextPart{Type: "input_text", Text: text}}}
}

// FileSearchTool is the tools=[{type:"file_search", vector_store_ids:[...]}] shape.
type FileSearchTool struct {
	Type           string   `json:"type"`
	VectorStoreIDs []string `json:"vector_store_ids"`
}

func NewFileSearchTool(vsIDs []string) FileSearchTool {
	return FileSearchTool{Type: "file_search", VectorStoreIDs: vsIDs}
}

// TextFormat is the text.format={type:"json_schema",...} shape (spec §9:
// the only supported response-format mechanism; response_format is stale
// and intentionally not implemented).
type TextFormat struct {
	Format JSONSchemaFormat `json:"format"`
}

type JSONSchemaFormat struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Strict bool   `json:"strict"`
	Schema any    `json:"schema"`
}

// CreateResponseRequest is the create_response payload shape.
type CreateResponseRequest struct {
	Model              string         `json:"model"`
	Instructions       string         `json:"instructions,omitempty"`
	Input              []InputMessage `json:"input"`
	Temperature        *float64       `json:"temperature,omitempty"`
	PreviousResponseID string         `json:"previous_response_id,omitempty"`
	Tools              []any          `json:"tools,omitempty"`
	Text               *TextFormat    `json:"text,omitempty"`
}

// ResponseEnvelope is the minimal create_response result shape this module needs.
type ResponseEnvelope struct {
	ID         string          `json:"id"`
	OutputText *string         `json:"output_text,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// CreateResponse calls create_response with the 120s timeout spec §5 mandates.
func (c *Client) CreateResponse(ctx context.Context, req CreateResponseRequest) (*ResponseEnvelope, error) {
	raw, err := c.doJSON(ctx, http.MethodPost, "/v1/responses", req, 120*time.Second, newCorrelationID())
	if err != nil {
		return nil, err
	}
	var env ResponseEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	env.Raw = raw
	return &env, nil
}

// --- Vector stores ---

type VectorStore struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

func (c *Client) CreateVectorStore(ctx context.Context, name string, expiresAfterDays int) (*VectorStore, error) {
	body := map[string]any{"name": name}
	if expiresAfterDays > 0 {
		body["expires_after"] = map[string]any{"anchor": "last_active_at", "days": expiresAfterDays}
	}
	raw, err := c.doJSON(ctx, http.MethodPost, "/v1/vector_stores", body, 60*time.Second, newCorrelationID())
	if err != nil {
		return nil, err
	}
	var vs VectorStore
	if err := json.Unmarshal(raw, &vs); err != nil {
		return nil, err
	}
	return &vs, nil
}

type VectorStoreFile struct {
	ID     string `json:"id"`
	Status string `json:"status"` // in_progress | completed | failed
}

func (c *Client) AddFileToVectorStore(ctx context.Context, vsID, fileID string, attributes map[string]any) (*VectorStoreFile, error) {
	body := map[string]any{"file_id": fileID}
	if attributes != nil {
		body["attributes"] = attributes
	}
	raw, err := c.doJSON(ctx, http.MethodPost, "/v1/vector_stores/"+vsID+"/files", body, 120*time.Second, newCorrelationID())
	if err != nil {
		return nil, err
	}
	var vsf VectorStoreFile
	if err := json.Unmarshal(raw, &vsf); err != nil {
		return nil, err
	}
	return &vsf, nil
}

func (c *Client) RetrieveVectorStoreFile(ctx context.Context, vsID, vsfID string) (*VectorStoreFile, error) {
	raw, err := c.doJSON(ctx, http.MethodGet, "/v1/vector_stores/"+vsID+"/files/"+vsfID, nil, 60*time.Second, newCorrelationID())
	if err != nil {
		return nil, err
	}
	var vsf VectorStoreFile
	if err := json.Unmarshal(raw, &vsf); err != nil {
		return nil, err
	}
	return &vsf, nil
}

func (c *Client) ListVectorStoreFiles(ctx context.Context, vsID string) ([]VectorStoreFile, error) {
	raw, err := c.doJSON(ctx, http.MethodGet, "/v1/vector_stores/"+vsID+"/files", nil, 60*time.Second, newCorrelationID())
	if err != nil {
		return nil, err
	}
	var out struct {
		Data []VectorStoreFile `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) DeleteVectorStoreFile(ctx context.Context, vsID, vsfID string) error {
	_, err := c.doJSON(ctx, http.MethodDelete, "/v1/vector_stores/"+vsID+"/files/"+vsfID, nil, 60*time.Second, newCorrelationID())
	return err
}

func (c *Client) UpdateVectorStoreFileAttributes(ctx context.Context, vsID, vsfID string, attrs map[string]any) error {
	_, err := c.doJSON(ctx, http.MethodPost, "/v1/vector_stores/"+vsID+"/files/"+vsfID, map[string]any{"attributes": attrs}, 60*time.Second, newCorrelationID())
	return err
}

func (c *Client) RetrieveVectorStore(ctx context.Context, vsID string) (*VectorStore, error) {
	raw, err := c.doJSON(ctx, http.MethodGet, "/v1/vector_stores/"+vsID, nil, 60*time.Second, newCorrelationID())
	if err != nil {
		return nil, err
	}
	var vs VectorStore
	if err := json.Unmarshal(raw, &vs); err != nil {
		return nil, err
	}
	return &vs, nil
}

func (c *Client) DeleteVectorStore(ctx context.Context, vsID string) error {
	_, err := c.doJSON(ctx, http.MethodDelete, "/v1/vector_stores/"+vsID, nil, 60*time.Second, newCorrelationID())
	return err
}

// WaitForVectorStoreFile polls retrieve_vector_store_file until status is
// completed or failed, or the 180s ceiling (spec §4.9/§5) is reached.
func WaitForVectorStoreFile(ctx context.Context, c *Client, vsID, vsfID string) error {
	deadline := time.Now().Add(180 * time.Second)
	for {
		vsf, err := c.RetrieveVectorStoreFile(ctx, vsID, vsfID)
		if err != nil {
			return err
		}
		switch vsf.Status {
		case "completed":
			return nil
		case "failed":
			return fmt.Errorf("vector store indexing failed for file %s", vsfID)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("vector store indexing timed out for file %s", vsfID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// --- Batches ---

type Batch struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (c *Client) CreateBatch(ctx context.Context, inputFileID, endpoint, completionWindow string) (*Batch, error) {
	body := map[string]any{"input_file_id": inputFileID, "endpoint": endpoint, "completion_window": completionWindow}
	raw, err := c.doJSON(ctx, http.MethodPost, "/v1/batches", body, 60*time.Second, newCorrelationID())
	if err != nil {
		return nil, err
	}
	var b Batch
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) RetrieveBatch(ctx context.Context, id string) (*Batch, error) {
	raw, err := c.doJSON(ctx, http.MethodGet, "/v1/batches/"+id, nil, 60*time.Second, newCorrelationID())
	if err != nil {
		return nil, err
	}
	var b Batch
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) CancelBatch(ctx context.Context, id string) (*Batch, error) {
	raw, err := c.doJSON(ctx, http.MethodPost, "/v1/batches/"+id+"/cancel", nil, 60*time.Second, newCorrelationID())
	if err != nil {
		return nil, err
	}
	var b Batch
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) ListBatches(ctx context.Context) ([]Batch, error) {
	raw, err := c.doJSON(ctx, http.MethodGet, "/v1/batches", nil, 60*time.Second, newCorrelationID())
	if err != nil {
		return nil, err
	}
	var out struct {
		Data []Batch `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	raw, err := c.doJSON(ctx, http.MethodGet, "/v1/models", nil, 60*time.Second, newCorrelationID())
	if err != nil {
		return nil, err
	}
	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.Data))
	for _, m := range out.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// IsContinuationInvalid reports the ContinuationInvalid taxonomy member:
// an error whose text mentions previous_response_id (spec §7).
func IsContinuationInvalid(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "previous_response_id")
}
