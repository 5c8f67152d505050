// Package remote is the client for the reader gateway: batched chapter and
// trim endpoints plus the streaming trim channel. It implements no caching or
// fallback itself; the tiered provider above decides what a failure means.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"onereader/pkg/domain"
)

// Client calls the reader gateway over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// APIError represents a gateway error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// NewClient constructs a gateway client. token may be empty for anonymous
// access; token issuance itself is handled elsewhere.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// BatchChapterContents fetches raw chapter text by cloud chapter ids.
func (c *Client) BatchChapterContents(ctx context.Context, ids []int64) ([]ChapterContent, error) {
	var out []ChapterContent
	if err := c.post(ctx, "/chapters/contents", batchContentRequest{IDs: ids}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BatchTrims fetches trimmed variants for one trim mode. The addressing value
// selects the endpoint: the by-md5 and by-id routes are distinct and a single
// call never mixes schemes.
func (c *Client) BatchTrims(ctx context.Context, addr domain.Addressing, promptID int) ([]TrimResult, error) {
	var out []TrimResult
	switch a := addr.(type) {
	case domain.ByCloudID:
		if err := c.post(ctx, "/trims/batch-by-id", batchTrimByIDRequest{IDs: a.IDs, PromptID: promptID}, &out); err != nil {
			return nil, err
		}
	case domain.ByContentHash:
		if err := c.post(ctx, "/trims/batch-by-md5", batchTrimByMD5Request{MD5s: a.Hashes, PromptID: promptID}, &out); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported addressing %T", addr)
	}
	return out, nil
}

// TrimStatusByMD5 reports which trim modes already exist for each content
// hash. Used for books whose content is addressable offline-first.
func (c *Client) TrimStatusByMD5(ctx context.Context, md5s []string) (map[string][]int, error) {
	var resp trimStatusResponse
	if err := c.post(ctx, "/trims/status-by-md5", trimStatusByMD5Request{MD5s: md5s}, &resp); err != nil {
		return nil, err
	}
	return resp.TrimmedMap, nil
}

// TrimStatusByID reports existing trim modes for every chapter of a cloud
// book, keyed by cloud chapter id.
func (c *Client) TrimStatusByID(ctx context.Context, cloudBookID int64) (map[int64][]int, error) {
	var resp trimStatusResponse
	if err := c.get(ctx, "/trims/status-by-id?book_id="+strconv.FormatInt(cloudBookID, 10), &resp); err != nil {
		return nil, err
	}
	out := make(map[int64][]int, len(resp.TrimmedMap))
	for key, modes := range resp.TrimmedMap {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		out[id] = modes
	}
	return out, nil
}

// UpdateProgress mirrors a reading-history update to the cloud copy.
func (c *Client) UpdateProgress(ctx context.Context, update ProgressUpdate) error {
	return c.post(ctx, "/progress", update, nil)
}

// ReadingHistory fetches the cloud reading-history row for a book. A missing
// row is not an error.
func (c *Client) ReadingHistory(ctx context.Context, cloudBookID int64) (History, bool, error) {
	var h History
	err := c.get(ctx, "/progress?book_id="+strconv.FormatInt(cloudBookID, 10), &h)
	if err != nil {
		if apiErr, ok := err.(*APIError); ok && apiErr.Status == http.StatusNotFound {
			return History{}, false, nil
		}
		return History{}, false, err
	}
	return h, true, nil
}

// ListBooks returns the user's cloud book list.
func (c *Client) ListBooks(ctx context.Context) ([]Book, error) {
	var out []Book
	if err := c.get(ctx, "/books", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BookDetail fetches a cloud book's metadata and chapter list.
func (c *Client) BookDetail(ctx context.Context, cloudBookID int64) (BookDetail, error) {
	var out BookDetail
	if err := c.get(ctx, "/books/"+strconv.FormatInt(cloudBookID, 10), &out); err != nil {
		return BookDetail{}, err
	}
	return out, nil
}

// BookPackage fetches the full chapters+content bundle for offline sync.
func (c *Client) BookPackage(ctx context.Context, cloudBookID int64) (BookPackage, error) {
	var out BookPackage
	if err := c.get(ctx, "/books/"+strconv.FormatInt(cloudBookID, 10)+"/package", &out); err != nil {
		return BookPackage{}, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
