// Package farmerclient fetches one shard body from a farmer's HTTP
// endpoint, reporting cumulative progress and honoring cancellation via the
// context passed to Fetch.
package farmerclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	downerr "github.com/zzenonn/shardpull/internal/errors"
)

// Client issues farmer shard-fetch requests.
type Client struct {
	http *http.Client
}

// New builds a Client with the given per-request timeout.
func New(timeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Fetch downloads one shard into a buffer of exactly size bytes. onProgress,
// if non-nil, is called with the cumulative number of bytes read after every
// chunk. The fetch aborts as soon as ctx is canceled — callers derive a
// per-pointer context from the download engine's cancellation so in-flight
// fetches notice cancel without polling a shared flag directly.
func (c *Client) Fetch(ctx context.Context, host string, port int, hash, token string, size int64, onProgress func(cumulative int64)) ([]byte, error) {
	reqURL := fmt.Sprintf("http://%s:%d/shards/%s?token=%s", host, port, hash, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, downerr.Wrap(downerr.KindFarmerRequest, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, downerr.ErrTransferCanceled
		}
		return nil, downerr.Wrap(downerr.KindFarmerRequest, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, downerr.New(downerr.KindFarmerAuth, fmt.Sprintf("farmer auth error: status %d", resp.StatusCode))
	case http.StatusGatewayTimeout:
		return nil, downerr.New(downerr.KindFarmerTimeout, "farmer timeout")
	default:
		return nil, downerr.New(downerr.KindFarmerRequest, fmt.Sprintf("farmer request error: status %d", resp.StatusCode))
	}

	buf := make([]byte, size)
	read, err := readProgressive(ctx, resp.Body, buf, onProgress)
	if err != nil {
		return nil, err
	}
	if int64(read) != size {
		return nil, downerr.New(downerr.KindFarmerRequest, fmt.Sprintf("short shard body: got %d bytes, want %d", read, size))
	}
	if !VerifyHash(buf, hash) {
		return nil, downerr.New(downerr.KindFarmerIntegrity, "shard hash mismatch")
	}
	return buf, nil
}

// VerifyHash reports whether the sha256 hex digest of buf matches hash.
func VerifyHash(buf []byte, hash string) bool {
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]) == hash
}

const chunkSize = 256 * 1024

func readProgressive(ctx context.Context, r io.Reader, buf []byte, onProgress func(int64)) (int, error) {
	var total int
	for total < len(buf) {
		if err := ctx.Err(); err != nil {
			return total, downerr.ErrTransferCanceled
		}

		end := total + chunkSize
		if end > len(buf) {
			end = len(buf)
		}
		n, err := r.Read(buf[total:end])
		total += n
		if n > 0 && onProgress != nil {
			onProgress(int64(total))
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			if ctx.Err() != nil {
				return total, downerr.ErrTransferCanceled
			}
			return total, downerr.Wrap(downerr.KindFarmerRequest, err)
		}
	}
	return total, nil
}
