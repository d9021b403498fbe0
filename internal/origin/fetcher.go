package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrStatus is wrapped by Fetch when the origin answers with a non-2xx status.
var ErrStatus = errors.New("origin returned non-success status")

// ErrTooLarge is returned when the source exceeds the configured size limit.
var ErrTooLarge = errors.New("origin object too large")

// Source is the raw bytes of one stored upload.
type Source struct {
	Data        []byte
	ContentType string
}

// Options configures a Fetcher.
type Options struct {
	Endpoint     string
	Secret       string
	SecretHeader string
	Timeout      time.Duration
	MaxBytes     int64
	HTTPClient   *http.Client
}

// Fetcher downloads source objects from the origin file server.
type Fetcher struct {
	endpoint     string
	secret       string
	secretHeader string
	maxBytes     int64
	httpClient   *http.Client
}

// New builds a Fetcher, filling in defaults for unset options.
func New(opts Options) *Fetcher {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	header := opts.SecretHeader
	if header == "" {
		header = "X-Raid-Secret"
	}
	limit := opts.MaxBytes
	if limit == 0 {
		limit = 512 << 20
	}
	return &Fetcher{
		endpoint:     strings.TrimRight(opts.Endpoint, "/"),
		secret:       opts.Secret,
		secretHeader: header,
		maxBytes:     limit,
		httpClient:   client,
	}
}

// Fetch performs GET {endpoint}/{key} with the shared-secret header.
func (f *Fetcher) Fetch(ctx context.Context, key string) (Source, error) {
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return Source{}, errors.New("origin key is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint+"/"+escapeKey(key), nil)
	if err != nil {
		return Source{}, fmt.Errorf("build origin request: %w", err)
	}
	req.Header.Set(f.secretHeader, f.secret)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Source{}, fmt.Errorf("fetch %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return Source{}, fmt.Errorf("fetch %s: %w: %d", key, ErrStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return Source{}, fmt.Errorf("read %s: %w", key, err)
	}
	if int64(len(body)) > f.maxBytes {
		return Source{}, fmt.Errorf("fetch %s: %w (>%d bytes)", key, ErrTooLarge, f.maxBytes)
	}
	return Source{Data: body, ContentType: resp.Header.Get("Content-Type")}, nil
}

// escapeKey escapes each path segment while keeping the separators.
func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
