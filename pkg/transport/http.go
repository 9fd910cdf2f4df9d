package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/yuya-takeyama/git-load-tester/pkg/pktline"
	"github.com/yuya-takeyama/git-load-tester/pkg/protocol"
)

const userAgent = "git-load-tester/0.1.0"

// StatusError is returned when the remote answers an HTTP request with a
// non-success status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// HTTPTransport speaks the smart HTTP protocol. Discovery and fetch are two
// independent requests against fixed URL suffixes under the repository base.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
	opts    Options
}

// NewHTTP creates a transport for an absolute repository URL. A trailing
// slash is stripped and a .git suffix appended when absent.
func NewHTTP(rawURL string, opts Options) (*HTTPTransport, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || !parsed.IsAbs() {
		return nil, fmt.Errorf("invalid repository URL %q", rawURL)
	}

	base := strings.TrimRight(rawURL, "/")
	if !strings.HasSuffix(base, ".git") {
		base += ".git"
	}

	dialer := &net.Dialer{Timeout: opts.timeout()}
	client := &http.Client{
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: opts.timeout(),
		},
	}

	return &HTTPTransport{baseURL: base, client: client, opts: opts}, nil
}

// DiscoverRefs issues the info/refs discovery request and parses the
// advertisement, skipping the smart HTTP service announcement preamble.
func (t *HTTPTransport) DiscoverRefs(ctx context.Context) (*protocol.RefAdvertisement, error) {
	discoverURL := t.baseURL + "/info/refs?service=" + uploadPackService

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build discovery request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discover refs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{URL: discoverURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read discovery response: %w", err)
	}

	adv := protocol.ParseAdvertisement(pktline.Parse(stripServicePreamble(body)))
	if adv.Len() == 0 {
		return nil, ErrEmptyAdvertisement
	}
	return adv, nil
}

// stripServicePreamble removes the leading "# service=..." announcement
// packet and its trailing flush so the remainder starts at the first ref.
func stripServicePreamble(data []byte) []byte {
	if len(data) < 4 {
		return data
	}
	length, err := strconv.ParseUint(string(data[:4]), 16, 32)
	if err != nil || length < 4 || int(length) > len(data) {
		return data
	}
	if !bytes.HasPrefix(data[4:length], []byte("# service=")) {
		return data
	}
	rest := data[length:]
	rest = bytes.TrimPrefix(rest, []byte(pktline.FlushPkt))
	return rest
}

// Fetch POSTs the upload-pack request and drains the streamed response.
func (t *HTTPTransport) Fetch(ctx context.Context, request []byte) (int64, error) {
	fetchURL := t.baseURL + "/" + uploadPackService

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fetchURL, bytes.NewReader(request))
	if err != nil {
		return 0, fmt.Errorf("build fetch request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/x-git-upload-pack-request")

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, &StatusError{URL: fetchURL, StatusCode: resp.StatusCode}
	}

	return countChunks(resp.Body, t.opts.Progress)
}

// Clone performs the full discover/select/fetch sequence.
func (t *HTTPTransport) Clone(ctx context.Context) (int64, error) {
	return clone(ctx, t, t.opts)
}
