// Package transport performs the git upload-pack handshake over HTTP(S) and
// SSH. Both variants share one contract: discover the server's refs, send a
// want/done request, and stream the response counting bytes without keeping
// them. Each transport instance owns its own connections; none are shared.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/yuya-takeyama/git-load-tester/pkg/protocol"
)

const (
	uploadPackService = "git-upload-pack"

	defaultTimeout = 10 * time.Second
	fetchChunkSize = 8192
)

// Sentinel errors for the failure modes callers distinguish.
var (
	// ErrEmptyAdvertisement indicates the remote sent no parseable refs.
	ErrEmptyAdvertisement = errors.New("empty ref advertisement")
	// ErrNoEligibleRef indicates no advertised ref qualified for cloning.
	ErrNoEligibleRef = errors.New("no eligible ref found in advertisement")
)

// ProgressFunc receives the running byte total after every chunk read during
// a fetch.
type ProgressFunc func(bytesReceived int64)

// Options configures a transport. The zero value is usable: a nil Progress is
// a no-op and a zero Timeout falls back to a fixed 10s connect timeout.
type Options struct {
	// Timeout bounds connection establishment only; reads have no deadline.
	Timeout time.Duration
	// Progress, if set, is invoked with the running total after each chunk.
	Progress ProgressFunc
	// RefPattern, if set, selects the ref to clone by doublestar match
	// instead of the default-ref rules.
	RefPattern string
}

func (o Options) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return defaultTimeout
}

// Transport is a single-use client for one remote repository.
type Transport interface {
	// DiscoverRefs retrieves and parses the server's ref advertisement.
	DiscoverRefs(ctx context.Context) (*protocol.RefAdvertisement, error)
	// Fetch sends the upload-pack request and returns the number of
	// response bytes received. Response data is discarded as it arrives.
	Fetch(ctx context.Context, request []byte) (int64, error)
	// Clone runs the full handshake: discover, select a ref, fetch.
	Clone(ctx context.Context) (int64, error)
}

// New builds the transport matching the URL form: ssh:// URLs and scp-like
// user@host:path addresses use SSH, everything else smart HTTP.
func New(rawURL string, opts Options) (Transport, error) {
	if IsSSHURL(rawURL) {
		return NewSSH(rawURL, opts)
	}
	return NewHTTP(rawURL, opts)
}

// IsSSHURL reports whether rawURL names an SSH remote.
func IsSSHURL(rawURL string) bool {
	if strings.HasPrefix(rawURL, "ssh://") {
		return true
	}
	return strings.Contains(rawURL, "@") && strings.Contains(rawURL, ":") && !strings.Contains(rawURL, "://")
}

// clone is the variant-independent handshake sequence.
func clone(ctx context.Context, t Transport, opts Options) (int64, error) {
	adv, err := t.DiscoverRefs(ctx)
	if err != nil {
		return 0, err
	}

	var oid string
	var ok bool
	if opts.RefPattern != "" {
		_, oid, ok = adv.MatchRef(opts.RefPattern)
		if !ok {
			return 0, fmt.Errorf("%w: no ref matches %q", ErrNoEligibleRef, opts.RefPattern)
		}
	} else {
		_, oid, ok = adv.DefaultRef()
		if !ok {
			return 0, ErrNoEligibleRef
		}
	}

	request, err := protocol.BuildFetchRequest([]string{oid})
	if err != nil {
		return 0, err
	}

	return t.Fetch(ctx, request)
}

// countChunks drains r in fixed-size chunks, keeping only the running total.
// Memory use stays constant no matter how large the response is.
func countChunks(r io.Reader, progress ProgressFunc) (int64, error) {
	buf := make([]byte, fetchChunkSize)
	var total int64

	for {
		n, err := r.Read(buf)
		if n > 0 {
			total += int64(n)
			if progress != nil {
				progress(total)
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("read response: %w", err)
		}
	}
}
