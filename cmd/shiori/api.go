package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"github.com/hyperjump/shiori/internal/chat"
	"github.com/hyperjump/shiori/internal/knowledge"
	"github.com/hyperjump/shiori/internal/models"
)

// apiError is a non-2xx response from the server.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// apiClient talks to a running shiori server. Used by the CLI so that commands do not
// contend with the server for the SQLite and Bleve locks.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{baseURL: baseURL, http: &http.Client{Timeout: 5 * time.Minute}}
}

func (c *apiClient) do(ctx context.Context, method, path, contentType string, body io.Reader, want int, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		var e struct {
			Error string `json:"error"`
		}
		msg := string(bytes.TrimSpace(b))
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &apiError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) doJSON(ctx context.Context, method, path string, in interface{}, want int, out interface{}) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, contentType, body, want, out)
}

func (c *apiClient) Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	var out models.SearchResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/knowledge-base/search", q, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Statistics(ctx context.Context) (*models.Statistics, error) {
	var out models.Statistics
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/knowledge-base/statistics", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Documents(ctx context.Context, offset, limit int) ([]*models.Document, error) {
	var out struct {
		Documents []*models.Document `json:"documents"`
	}
	path := fmt.Sprintf("/api/v1/documents?offset=%d&limit=%d", offset, limit)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

func (c *apiClient) Delete(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/documents/"+url.PathEscape(id), nil, http.StatusOK, nil)
}

func (c *apiClient) Reprocess(ctx context.Context, id string) (*models.Document, error) {
	var out models.Document
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/documents/"+url.PathEscape(id)+"/reprocess", nil, http.StatusAccepted, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Clear(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/knowledge-base/clear", nil, http.StatusOK, nil)
}

func (c *apiClient) Chat(ctx context.Context, req chat.Request) (*chat.Response, error) {
	var out chat.Response
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/chat/message", req, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Upload sends data as a multipart upload named filename.
func (c *apiClient) Upload(ctx context.Context, filename string, data []byte) (*knowledge.UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	var out knowledge.UploadResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/documents/upload", mw.FormDataContentType(), &buf, http.StatusAccepted, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) WatchList(ctx context.Context) ([]string, error) {
	var out struct {
		Directories []string `json:"directories"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/watch/directories", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Directories, nil
}

func (c *apiClient) WatchAdd(ctx context.Context, path string, sync bool) error {
	body := map[string]interface{}{"path": path, "sync": sync}
	return c.doJSON(ctx, http.MethodPost, "/api/v1/watch/directories", body, http.StatusCreated, nil)
}

func (c *apiClient) WatchRemove(ctx context.Context, path string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/watch/directories?path="+url.QueryEscape(path), nil, http.StatusOK, nil)
}
