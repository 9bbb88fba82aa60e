package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// TransportError represents an error from the SSH connection layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Client is a reusable connection to one host. Sessions are opened per
// command, so a Client is safe for concurrent use.
type Client struct {
	config *HostConfig
	log    zerolog.Logger

	// keyring overrides SSH_AUTH_SOCK for agent authentication.
	keyring agent.Agent

	mu          sync.Mutex
	client      *ssh.Client
	proxy       *ssh.Client
	connectedAt time.Time
}

// NewClient creates a client for config. It does not connect.
func NewClient(config *HostConfig, log zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: config,
		log:    log.With().Str("host", config.Address()).Logger(),
	}, nil
}

// Connect establishes the connection, or checks that the existing one is
// alive and reconnects if it is not.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return nil
		}
		c.log.Warn().Msg("Existing connection is dead, reconnecting")
		_ = c.closeLocked()
	}

	if c.config.IsProxyEnabled() {
		return c.connectViaProxy(ctx)
	}
	return c.connectDirect(ctx)
}

func (c *Client) connectDirect(ctx context.Context) error {
	address := c.config.Address()
	c.log.Debug().Msg("Establishing SSH connection")

	dialer := &net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}

	client, err := c.handshake(ctx, conn, c.config)
	if err != nil {
		_ = conn.Close()
		return err
	}

	c.client = client
	c.connectedAt = time.Now()
	c.log.Info().Msg("SSH connection established")
	return nil
}

func (c *Client) connectViaProxy(ctx context.Context) error {
	proxyConfig := c.config.Proxy
	c.log.Debug().Str("proxy", proxyConfig.Address()).Msg("Connecting to proxy host")

	dialer := &net.Dialer{Timeout: proxyConfig.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxyConfig.Address())
	if err != nil {
		return &TransportError{Op: "connect-proxy", Err: err}
	}
	proxyClient, err := c.handshake(ctx, conn, proxyConfig)
	if err != nil {
		_ = conn.Close()
		return err
	}

	targetAddress := c.config.Address()
	proxyConn, err := proxyClient.DialContext(ctx, "tcp", targetAddress)
	if err != nil {
		_ = proxyClient.Close()
		return &TransportError{Op: "connect-via-proxy", Err: err}
	}

	client, err := c.handshake(ctx, proxyConn, c.config)
	if err != nil {
		_ = proxyConn.Close()
		_ = proxyClient.Close()
		return err
	}

	c.client = client
	c.proxy = proxyClient
	c.connectedAt = time.Now()
	c.log.Info().Str("proxy", proxyConfig.Address()).Msg("SSH connection established via proxy")
	return nil
}

// handshake runs the SSH handshake on conn, bounded by ctx.
func (c *Client) handshake(ctx context.Context, conn net.Conn, config *HostConfig) (*ssh.Client, error) {
	keyring := c.keyring
	if config.AuthMethod == AuthMethodAgent && keyring == nil {
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, &TransportError{Op: "connect", Err: errors.New("SSH_AUTH_SOCK is not set"), IsAuthError: true}
		}
		agentConn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, &TransportError{Op: "connect", Err: fmt.Errorf("failed to reach SSH agent: %w", err), IsAuthError: true}
		}
		// Signing only happens during the handshake.
		defer agentConn.Close()
		keyring = agent.NewClient(agentConn)
	}

	clientConfig, err := config.BuildSSHClientConfig(keyring)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(config.ConnectionTimeout))
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, config.Address(), clientConfig)
	if err != nil {
		return nil, &TransportError{Op: "handshake", Err: err, IsAuthError: isAuthError(err)}
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(ncc, chans, reqs), nil
}

// isAuthError reports authentication and host key failures. The handshake
// flattens the underlying errors into text.
func isAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "knownhosts:")
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	var errs []error
	if c.client != nil {
		if err := c.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		c.client = nil
	}
	if c.proxy != nil {
		if err := c.proxy.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		c.proxy = nil
	}
	return errors.Join(errs...)
}

func (c *Client) current() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, &TransportError{Op: "get-client", Err: errors.New("not connected")}
	}
	return c.client, nil
}

// Run executes command in a new session. A non-zero exit status is
// returned as the exit code with a nil error.
func (c *Client) Run(ctx context.Context, command string, stdout, stderr io.Writer) (int, error) {
	client, err := c.current()
	if err != nil {
		return 0, err
	}

	session, err := client.NewSession()
	if err != nil {
		return 0, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err)}
	}
	defer session.Close()

	session.Stdout = stdout
	session.Stderr = stderr

	started := time.Now()
	c.log.Debug().Str("command", command).Msg("Executing command")

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Signal(ssh.SIGKILL)
		return 0, ctx.Err()
	case runErr = <-done:
	}

	c.log.Debug().Str("command", command).Dur("duration", time.Since(started)).Msg("Command finished")

	var exitErr *ssh.ExitError
	switch {
	case runErr == nil:
		return 0, nil
	case errors.As(runErr, &exitErr):
		return exitErr.ExitStatus(), nil
	default:
		return 0, &TransportError{Op: "exec", Err: runErr}
	}
}

// Upload copies a local file or directory tree to remotePath over SFTP.
// A zero mode keeps the local file mode.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) (int64, error) {
	client, err := c.current()
	if err != nil {
		return 0, err
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		return 0, &TransportError{Op: "upload", Err: fmt.Errorf("failed to start SFTP: %w", err)}
	}
	defer sc.Close()

	info, err := os.Stat(localPath)
	if err != nil {
		return 0, &TransportError{Op: "upload", Err: err}
	}
	if !info.IsDir() {
		return c.uploadFile(ctx, sc, localPath, remotePath, pick(mode, info.Mode()))
	}

	var total int64
	err = filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		target := path.Join(remotePath, filepath.ToSlash(rel))
		if d.IsDir() {
			return sc.MkdirAll(target)
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		n, err := c.uploadFile(ctx, sc, p, target, pick(mode, fi.Mode()))
		total += n
		return err
	})
	if err != nil {
		return total, &TransportError{Op: "upload", Err: err}
	}
	return total, nil
}

func (c *Client) uploadFile(ctx context.Context, sc *sftp.Client, localPath, remotePath string, mode os.FileMode) (int64, error) {
	local, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer local.Close()

	if err := sc.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, fmt.Errorf("failed to create remote directory: %w", err)
	}
	remote, err := sc.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return 0, fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}
	defer remote.Close()

	n, err := copyWithContext(ctx, remote, local)
	if err != nil {
		return n, fmt.Errorf("failed to upload %s: %w", localPath, err)
	}
	if err := remote.Chmod(mode.Perm()); err != nil {
		return n, fmt.Errorf("failed to set permissions on %s: %w", remotePath, err)
	}

	c.log.Debug().Str("local", localPath).Str("remote", remotePath).Int64("bytes", n).Msg("Uploaded file")
	return n, nil
}

func pick(mode, fallback os.FileMode) os.FileMode {
	if mode != 0 {
		return mode
	}
	return fallback
}

// copyWithContext copies src to dst, stopping between chunks when ctx is done.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
	}
}
