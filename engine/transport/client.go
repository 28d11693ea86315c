package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spaghettifunk/remesh/engine/core"
	"github.com/spaghettifunk/remesh/engine/mesh"
)

// ErrInvalidContentRange reports a 206 response whose Content-Range header
// disagrees with the range we asked for. Treated as retryable: it usually
// means a proxy mangled the response.
var ErrInvalidContentRange = errors.New("invalid content-range in response")

// ErrPartialBody reports a response body shorter than its announced length.
var ErrPartialBody = errors.New("partial response body")

const meshContentType = "application/vnd.remesh.asset"

// Client issues byte-range asset fetches and upload POSTs. Two connection
// pools: the default one for small fetches, and a second with long timeouts
// for transfers at or above largeThreshold, so a slow multi-megabyte body
// does not get killed by the short clock.
type Client struct {
	baseURL        string
	largeThreshold int64

	small  *http.Client
	large  *http.Client
	upload *http.Client
}

type Options struct {
	BaseURL string
	// Fetches of at least this many bytes use the long-timeout pool.
	LargeFetchThreshold int64
	LargeTransferTime   time.Duration
	UploadTimeout       time.Duration
}

func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("transport: base URL required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("transport: bad base URL: %w", err)
	}
	if opts.LargeFetchThreshold <= 0 {
		opts.LargeFetchThreshold = 1 << 21
	}
	if opts.LargeTransferTime <= 0 {
		opts.LargeTransferTime = 240 * time.Second
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 60 * time.Second
	}
	return &Client{
		baseURL:        opts.BaseURL,
		largeThreshold: opts.LargeFetchThreshold,
		small: &http.Client{
			Timeout: 30 * time.Second,
		},
		large: &http.Client{
			Timeout: opts.LargeTransferTime,
		},
		upload: &http.Client{
			Timeout: opts.UploadTimeout,
		},
	}, nil
}

// assetURL builds the capability URL for one asset.
func (c *Client) assetURL(id mesh.MeshID) string {
	sep := "?"
	if strings.Contains(c.baseURL, "?") {
		sep = "&"
	}
	return c.baseURL + sep + "mesh_id=" + id.String()
}

// FetchByteRange GETs size bytes of the asset starting at offset. It returns
// the body bytes and the HTTP status code; a 4xx/5xx status is returned with
// a nil error so the caller can classify it. The body may be shorter than
// size when the asset ends inside the range; that is not an error.
func (c *Client) FetchByteRange(ctx context.Context, id mesh.MeshID, offset int64, size int) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.assetURL(id), nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", meshContentType)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+int64(size)-1))

	client := c.small
	if int64(size) >= c.largeThreshold {
		client = c.large
	}

	core.MetricsAddHTTPRequest()
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		// Drain so the connection can be reused, then let the caller decide.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, resp.StatusCode, nil
	}

	if resp.StatusCode == http.StatusPartialContent {
		if err := checkContentRange(resp.Header.Get("Content-Range"), offset); err != nil {
			return nil, resp.StatusCode, err
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(size)))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: %v", ErrPartialBody, err)
	}
	if resp.ContentLength > 0 && int64(len(body)) < resp.ContentLength && int64(len(body)) < int64(size) {
		return nil, resp.StatusCode, ErrPartialBody
	}

	core.MetricsAddBytesReceived(len(body))
	return body, resp.StatusCode, nil
}

// checkContentRange verifies the response actually starts where we asked.
func checkContentRange(header string, wantOffset int64) error {
	if header == "" {
		return ErrInvalidContentRange
	}
	// "bytes START-END/TOTAL"
	rest, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return ErrInvalidContentRange
	}
	startStr, _, ok := strings.Cut(rest, "-")
	if !ok {
		return ErrInvalidContentRange
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start != wantOffset {
		return ErrInvalidContentRange
	}
	return nil
}

// PostJSON POSTs a JSON document and returns the raw response body with the
// status code. Upload endpoints report failures inside a 200 body, so the
// caller inspects the payload either way.
func (c *Client) PostJSON(ctx context.Context, postURL string, payload interface{}) ([]byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("transport: marshal post body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	core.MetricsAddHTTPRequest()
	resp, err := c.upload.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return respBody, resp.StatusCode, nil
}

// PostBinary POSTs an opaque payload, used for the one-time asset upload URL.
func (c *Client) PostBinary(ctx context.Context, postURL string, payload []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	core.MetricsAddHTTPRequest()
	resp, err := c.upload.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return respBody, resp.StatusCode, nil
}

// Retryable classifies a fetch outcome. Server-side trouble and transport
// glitches are worth another attempt; everything else marks the asset
// permanently unavailable for this process.
//
// Status 499 is grouped with the 5xx family: proxies emit it when the
// upstream gave up, which says nothing about the asset itself.
func Retryable(status int, err error) bool {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		if errors.Is(err, ErrInvalidContentRange) || errors.Is(err, ErrPartialBody) {
			return true
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			return true
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return true
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			// Connection refused, reset, send/recv failures.
			return true
		}
		return false
	}
	if status >= 500 || status == 499 {
		return true
	}
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return true
	}
	return false
}
