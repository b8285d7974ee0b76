package research

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

var ErrPoolClosed = errors.New("fetch pool closed")

const (
	maxPageBytes     = 4 << 20
	defaultUserAgent = "Mozilla/5.0 (compatible; DeepShipBot/1.0; +https://deepship.ai)"
)

// FetchPool bounds concurrent page fetches for the whole worker process. It
// is created once at startup and closed on shutdown.
type FetchPool struct {
	sem       *semaphore.Weighted
	client    *http.Client
	userAgent string
	closed    atomic.Bool
}

func NewFetchPool(size int, timeout time.Duration) *FetchPool {
	if size <= 0 {
		size = 4
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FetchPool{
		sem:       semaphore.NewWeighted(int64(size)),
		client:    &http.Client{Timeout: timeout},
		userAgent: defaultUserAgent,
	}
}

// Fetch downloads an HTML page. Non-HTML responses are rejected.
func (p *FetchPool) Fetch(ctx context.Context, pageURL string) (string, error) {
	if p.closed.Load() {
		return "", ErrPoolClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer p.sem.Release(1)
	if p.closed.Load() {
		return "", ErrPoolClosed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch %s: status %d", pageURL, resp.StatusCode)
	}
	if contentType := resp.Header.Get("Content-Type"); contentType != "" {
		mediaType, _, _ := mime.ParseMediaType(contentType)
		if mediaType != "" && !strings.Contains(mediaType, "html") {
			return "", fmt.Errorf("fetch %s: unsupported content type %s", pageURL, mediaType)
		}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	return string(body), nil
}

func (p *FetchPool) Close() {
	if p.closed.CompareAndSwap(false, true) {
		p.client.CloseIdleConnections()
	}
}
