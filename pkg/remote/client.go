package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db/models"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/plog"
)

// Session is a scoped connection to one agent. Close releases the SSH
// connection and any file channel opened on it.
type Session interface {
	Execute(ctx context.Context, cmd Command) ([]string, error)
	WriteFile(path string, data []byte, mode os.FileMode) error
	Mkdir(path string) error
	ReadDir(path string) ([]string, error)
	Open(path string) (io.ReadCloser, error)
	Close() error
}

// Connector opens sessions to agents.
type Connector interface {
	Connect(ctx context.Context, agent *models.Agent) (Session, error)
}

type Dialer struct {
	auth     Auth
	hostKeys ssh.HostKeyCallback
	timeout  time.Duration
	logger   *plog.Logger
	redactor *Redactor
}

type DialerOption func(*Dialer) error

// WithKnownHosts verifies host keys against the given known_hosts files.
func WithKnownHosts(files ...string) DialerOption {
	return func(d *Dialer) error {
		cb, err := knownhosts.New(files...)
		if err != nil {
			return fmt.Errorf("failed to load known hosts: %w", err)
		}
		d.hostKeys = cb
		return nil
	}
}

// WithInsecureHostKeys accepts any host key.
func WithInsecureHostKeys() DialerOption {
	return func(d *Dialer) error {
		d.hostKeys = ssh.InsecureIgnoreHostKey()
		return nil
	}
}

func WithTimeout(timeout time.Duration) DialerOption {
	return func(d *Dialer) error {
		d.timeout = timeout
		return nil
	}
}

func WithLogger(l *plog.Logger) DialerOption {
	return func(d *Dialer) error {
		d.logger = l
		return nil
	}
}

// WithSecrets masks the given values in streamed output.
func WithSecrets(secrets ...string) DialerOption {
	return func(d *Dialer) error {
		d.redactor = NewRedactor(secrets...)
		return nil
	}
}

// NewDialer builds a dialer. Without a host key option the user's
// ~/.ssh/known_hosts is used.
func NewDialer(auth Auth, opts ...DialerOption) (*Dialer, error) {
	d := &Dialer{
		auth:    auth,
		timeout: 30 * time.Second,
		logger:  plog.NewDefault(),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.hostKeys == nil {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate known hosts: %w", err)
		}
		if err := WithKnownHosts(filepath.Join(home, ".ssh", "known_hosts"))(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Dialer) Connect(ctx context.Context, agent *models.Agent) (Session, error) {
	methods, err := d.auth.Methods(agent)
	if err != nil {
		return nil, err
	}
	port := agent.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(agent.Hostname, strconv.Itoa(port))
	config := &ssh.ClientConfig{
		User:            agent.Username,
		Auth:            methods,
		HostKeyCallback: d.hostKeys,
		Timeout:         d.timeout,
	}

	dialer := net.Dialer{Timeout: d.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open ssh connection to %s: %w", addr, err)
	}

	return &Client{
		agent:    agent.Name,
		ssh:      ssh.NewClient(c, chans, reqs),
		logger:   d.logger.With("agent", agent.Name),
		redactor: d.redactor,
	}, nil
}

// Client is a Session over one SSH connection. The SFTP channel is opened
// on first use.
type Client struct {
	agent    string
	ssh      *ssh.Client
	logger   *plog.Logger
	redactor *Redactor

	mu   sync.Mutex
	sftp *sftp.Client
}

func (c *Client) Execute(ctx context.Context, cmd Command) ([]string, error) {
	line := cmd.String()
	shown := c.redactor.Redact(cmd.Redacted())
	c.logger.Debug("executing remote command", "command", shown)

	session, err := c.ssh.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := session.Start(line); err != nil {
		return nil, fmt.Errorf("failed to start remote command: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGKILL)
			_ = session.Close()
		case <-done:
		}
	}()

	var (
		wg       sync.WaitGroup
		outLines []string
		errLines []string
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		outLines = c.stream(stdout, false)
	}()
	go func() {
		defer wg.Done()
		errLines = c.stream(stderr, true)
	}()
	wg.Wait()
	err = session.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return outLines, ctxErr
	}
	if err == nil {
		return outLines, nil
	}

	var exitErr *ssh.ExitError
	status := -1
	if errors.As(err, &exitErr) {
		status = exitErr.ExitStatus()
		if cmd.AllowStderr {
			return outLines, nil
		}
	}
	return outLines, &RemoteExecutionError{Command: shown, ExitStatus: status, Stderr: errLines}
}

func (c *Client) stream(r io.Reader, stderr bool) []string {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		lines = append(lines, line)
		if stderr {
			c.logger.Warn(c.redactor.Redact(line), "stream", "stderr")
		} else {
			c.logger.Info(c.redactor.Redact(line), "stream", "stdout")
		}
	}
	return lines
}

func (c *Client) files() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp != nil {
		return c.sftp, nil
	}
	client, err := sftp.NewClient(c.ssh)
	if err != nil {
		return nil, fmt.Errorf("failed to open sftp channel: %w", err)
	}
	c.sftp = client
	return client, nil
}

func (c *Client) WriteFile(path string, data []byte, mode os.FileMode) error {
	fs, err := c.files()
	if err != nil {
		return err
	}
	f, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if mode != 0 {
		return fs.Chmod(path, mode)
	}
	return nil
}

func (c *Client) Mkdir(path string) error {
	fs, err := c.files()
	if err != nil {
		return err
	}
	return fs.MkdirAll(path)
}

func (c *Client) ReadDir(path string) ([]string, error) {
	fs, err := c.files()
	if err != nil {
		return nil, err
	}
	infos, err := fs.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", path, err)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names, nil
}

func (c *Client) Open(path string) (io.ReadCloser, error) {
	fs, err := c.files()
	if err != nil {
		return nil, err
	}
	f, err := fs.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, os.ErrNotExist)
		}
		return nil, err
	}
	return f, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	if c.sftp != nil {
		errs = append(errs, c.sftp.Close())
		c.sftp = nil
	}
	errs = append(errs, c.ssh.Close())
	return errors.Join(errs...)
}
