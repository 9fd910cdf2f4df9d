package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/yuya-takeyama/git-load-tester/pkg/pktline"
	"github.com/yuya-takeyama/git-load-tester/pkg/protocol"
)

const discoveryChunkSize = 4096

// SSHTransport runs git-upload-pack over an SSH session. Discovery and fetch
// each open their own connection: the connection cost is part of the load
// being measured, so the two-session design is intentional.
type SSHTransport struct {
	user string
	host string
	path string
	port int
	opts Options
}

// NewSSH creates a transport for an SSH remote. Accepted forms are
// user@host:path and ssh://user@host[:port]/path; the port defaults to 22.
func NewSSH(rawURL string, opts Options) (*SSHTransport, error) {
	user, host, path, port, err := parseSSHURL(rawURL)
	if err != nil {
		return nil, err
	}
	return &SSHTransport{user: user, host: host, path: path, port: port, opts: opts}, nil
}

func parseSSHURL(rawURL string) (user, host, path string, port int, err error) {
	port = 22

	switch {
	case strings.HasPrefix(rawURL, "ssh://"):
		rest := strings.TrimPrefix(rawURL, "ssh://")
		userHost, p, found := strings.Cut(rest, "/")
		if !found {
			return "", "", "", 0, fmt.Errorf("invalid SSH URL %q: missing repository path", rawURL)
		}
		var hostPort string
		user, hostPort, found = strings.Cut(userHost, "@")
		if !found {
			return "", "", "", 0, fmt.Errorf("invalid SSH URL %q: missing user@host", rawURL)
		}
		if i := strings.LastIndex(hostPort, ":"); i >= 0 {
			host = hostPort[:i]
			if parsed, perr := strconv.Atoi(hostPort[i+1:]); perr == nil {
				port = parsed
			}
		} else {
			host = hostPort
		}
		path = "/" + p

	case strings.Contains(rawURL, "@") && strings.Contains(rawURL, ":") && !strings.Contains(rawURL, "://"):
		userHost, p, _ := strings.Cut(rawURL, ":")
		var found bool
		user, host, found = strings.Cut(userHost, "@")
		if !found {
			return "", "", "", 0, fmt.Errorf("invalid SSH URL %q: missing user@host", rawURL)
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		path = p

	default:
		return "", "", "", 0, fmt.Errorf("unsupported SSH URL format %q", rawURL)
	}

	if user == "" || host == "" {
		return "", "", "", 0, fmt.Errorf("invalid SSH URL %q: empty user or host", rawURL)
	}
	return user, host, path, port, nil
}

func (t *SSHTransport) connect(ctx context.Context) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User: t.user,
		Auth: authMethods(),
		// This is a load-testing tool, not a security boundary; accept
		// whatever host key the target presents.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.opts.timeout(),
	}

	addr := net.JoinHostPort(t.host, strconv.Itoa(t.port))
	dialer := &net.Dialer{Timeout: t.opts.timeout()}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// authMethods collects whatever credentials are available: the SSH agent
// first, then the usual default identity files.
func authMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return methods
	}
	var signers []ssh.Signer
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		key, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	return methods
}

func (t *SSHTransport) uploadPackCommand() string {
	return fmt.Sprintf("%s '%s'", uploadPackService, t.path)
}

// DiscoverRefs runs git-upload-pack and reads the advertisement from its
// output until a flush marker appears.
func (t *SSHTransport) DiscoverRefs(ctx context.Context) (*protocol.RefAdvertisement, error) {
	client, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := session.Start(t.uploadPackCommand()); err != nil {
		return nil, fmt.Errorf("start %s: %w", uploadPackService, err)
	}

	buf, err := readAdvertisement(stdout)
	if err != nil {
		return nil, err
	}

	adv := protocol.ParseAdvertisement(pktline.Parse(buf))
	if adv.Len() == 0 {
		return nil, ErrEmptyAdvertisement
	}
	return adv, nil
}

// readAdvertisement accumulates output until the flush marker is seen and
// returns the bytes up to and including it.
//
// The end of the advertisement is found by substring-scanning the raw bytes
// for "0000" rather than walking pkt-line frames. That is fine for the short
// discovery buffer but the marker's byte pattern can in principle occur
// inside packet payloads, so this scan must not be used to split framed
// payloads. Kept as-is for compatibility with the behavior being measured.
func readAdvertisement(r io.Reader) ([]byte, error) {
	flush := []byte(pktline.FlushPkt)
	chunk := make([]byte, discoveryChunkSize)
	var buf []byte

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if i := bytes.Index(buf, flush); i >= 0 {
				return buf[:i+len(flush)], nil
			}
		}
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read advertisement: %w", err)
		}
	}
}

// Fetch opens a fresh session, discards the advertisement the server resends,
// writes the request, half-closes stdin, and drains the response.
func (t *SSHTransport) Fetch(ctx context.Context, request []byte) (int64, error) {
	client, err := t.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return 0, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return 0, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := session.Start(t.uploadPackCommand()); err != nil {
		return 0, fmt.Errorf("start %s: %w", uploadPackService, err)
	}

	if _, err := readAdvertisement(stdout); err != nil {
		return 0, err
	}

	if _, err := stdin.Write(request); err != nil {
		return 0, fmt.Errorf("write request: %w", err)
	}
	// Half-close: signals end of request the way closing a socket's write
	// side would.
	if err := stdin.Close(); err != nil {
		return 0, fmt.Errorf("close stdin: %w", err)
	}

	return countChunks(stdout, t.opts.Progress)
}

// Clone performs the full discover/select/fetch sequence.
func (t *SSHTransport) Clone(ctx context.Context) (int64, error) {
	return clone(ctx, t, t.opts)
}
