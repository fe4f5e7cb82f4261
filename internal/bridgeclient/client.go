// Package bridgeclient talks to the bridge metadata service: tokens,
// pointer pages, replacement pointers, file info, and exchange reports.
// Transport stays on net/http, matching the pack's convention of reaching
// for it directly rather than a third-party HTTP client.
package bridgeclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	downerr "github.com/zzenonn/shardpull/internal/errors"
)

// Client issues authenticated bridge requests.
type Client struct {
	baseURL  string
	user     string
	password string
	http     *http.Client
}

// New builds a Client. timeout configures the underlying http.Client; the
// CLI demo sets it from config.Config.RequestTimeout.
func New(baseURL, user, password string, timeout time.Duration) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		user:     user,
		password: password,
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *Client) basicAuth(req *http.Request) {
	sum := sha256.Sum256([]byte(c.password))
	req.SetBasicAuth(c.user, hex.EncodeToString(sum[:]))
}

func fieldError(name string) error {
	return fmt.Errorf("%w: %s", downerr.ErrMissingShardField, name)
}

// statusKind maps an HTTP status code to an error kind. ok is true for
// success codes.
func statusKind(code int) (kind downerr.Kind, ok bool) {
	switch code {
	case 200, 201, 204, 304:
		return "", true
	case 400:
		return downerr.KindBridgeInvalid, false
	case 401, 403:
		return downerr.KindBridgeAuth, false
	case 404:
		return downerr.KindBridgeNotFound, false
	case 500:
		return downerr.KindBridgeInternal, false
	default:
		return downerr.KindBridgeRequest, false
	}
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	c.basicAuth(req)
	return c.http.Do(req)
}

// PostToken acquires a bucket token for the PULL operation.
func (c *Client) PostToken(ctx context.Context, bucketID string) (string, error) {
	body, err := json.Marshal(tokenRequest{Operation: "PULL"})
	if err != nil {
		return "", downerr.Wrap(downerr.KindBridgeToken, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/buckets/%s/tokens", c.baseURL, bucketID), bytes.NewReader(body))
	if err != nil {
		return "", downerr.Wrap(downerr.KindBridgeToken, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return "", downerr.Wrap(downerr.KindBridgeToken, err)
	}
	defer resp.Body.Close()

	if kind, ok := statusKind(resp.StatusCode); !ok {
		return "", downerr.New(kind, fmt.Sprintf("post token: status %d", resp.StatusCode))
	}

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", downerr.Wrap(downerr.KindBridgeJSON, err)
	}
	if out.Token == "" {
		return "", downerr.Wrap(downerr.KindBridgeJSON, fieldError("token"))
	}
	return out.Token, nil
}

// GetPointers fetches one page of pointers for a file.
func (c *Client) GetPointers(ctx context.Context, bucketID, fileID string, skip, limit int, token string) ([]PointerDTO, error) {
	return c.getPointerPage(ctx, bucketID, fileID, skip, limit, "", token, downerr.KindBridgePointer)
}

// GetReplacementPointer requests exactly one replacement pointer for index
// skip, excluding the comma-separated farmer ids in exclude.
func (c *Client) GetReplacementPointer(ctx context.Context, bucketID, fileID string, skip int, exclude string, token string) (PointerDTO, error) {
	pointers, err := c.getPointerPage(ctx, bucketID, fileID, skip, 1, exclude, token, downerr.KindBridgeRepointer)
	if err != nil {
		return PointerDTO{}, err
	}
	if len(pointers) == 0 {
		return PointerDTO{}, downerr.New(downerr.KindBridgeRepointer, "replacement pointer request returned no pointer")
	}
	return pointers[0], nil
}

func (c *Client) getPointerPage(ctx context.Context, bucketID, fileID string, skip, limit int, exclude, token string, kind downerr.Kind) ([]PointerDTO, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("skip", strconv.Itoa(skip))
	if exclude != "" {
		q.Set("exclude", exclude)
	}

	reqURL := fmt.Sprintf("%s/buckets/%s/files/%s?%s", c.baseURL, bucketID, fileID, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, downerr.Wrap(kind, err)
	}
	if token != "" {
		req.Header.Set("x-token", token)
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, downerr.Wrap(kind, err)
	}
	defer resp.Body.Close()

	if k, ok := statusKind(resp.StatusCode); !ok {
		return nil, downerr.New(k, fmt.Sprintf("get pointers: status %d", resp.StatusCode))
	}

	var pointers []PointerDTO
	if err := json.NewDecoder(resp.Body).Decode(&pointers); err != nil {
		return nil, downerr.Wrap(downerr.KindBridgeJSON, err)
	}
	for i, p := range pointers {
		if err := p.Validate(); err != nil {
			return nil, downerr.Wrap(downerr.KindBridgeJSON, fmt.Errorf("pointer %d: %w", i, err))
		}
	}
	return pointers, nil
}

// GetFileInfo fetches the authoritative HMAC metadata for a file.
func (c *Client) GetFileInfo(ctx context.Context, bucketID, fileID string) (FileInfoDTO, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/buckets/%s/files/%s/info", c.baseURL, bucketID, fileID), nil)
	if err != nil {
		return FileInfoDTO{}, downerr.Wrap(downerr.KindBridgeFileInfo, err)
	}

	resp, err := c.do(req)
	if err != nil {
		return FileInfoDTO{}, downerr.Wrap(downerr.KindBridgeFileInfo, err)
	}
	defer resp.Body.Close()

	if k, ok := statusKind(resp.StatusCode); !ok {
		return FileInfoDTO{}, downerr.New(k, fmt.Sprintf("get file info: status %d", resp.StatusCode))
	}

	var out FileInfoDTO
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return FileInfoDTO{}, downerr.Wrap(downerr.KindBridgeJSON, err)
	}
	return out, nil
}

// PostExchangeReport files one farmer-interaction report.
func (c *Client) PostExchangeReport(ctx context.Context, report ExchangeReportDTO) error {
	body, err := json.Marshal(report)
	if err != nil {
		return downerr.Wrap(downerr.KindBridgeRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/reports/exchanges", c.baseURL), bytes.NewReader(body))
	if err != nil {
		return downerr.Wrap(downerr.KindBridgeRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return downerr.Wrap(downerr.KindBridgeRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return downerr.New(downerr.KindBridgeRequest, fmt.Sprintf("post exchange report: status %d", resp.StatusCode))
	}
	return nil
}
