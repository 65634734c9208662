// Package remotetest provides an in-memory remote.Session for tests.
package remotetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db/models"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/remote"
)

// Handler answers a command. A returned *remote.RemoteExecutionError is a
// non-zero exit, which the session tolerates only for AllowStderr commands,
// the way remote.Client does.
type Handler func(cmd remote.Command) ([]string, error)

type rule struct {
	contains string
	handler  Handler
}

// Host is a fake agent filesystem plus scripted command responses. It is
// shared by every session a Connector opens.
type Host struct {
	mu       sync.Mutex
	files    map[string][]byte
	rules    []rule
	commands []remote.Command
	connects int
	closes   int
	dialErr  error
}

func NewHost() *Host {
	return &Host{files: map[string][]byte{}}
}

// On registers a handler for commands whose Cmd contains substr. Later
// registrations win.
func (h *Host) On(substr string, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rules = append([]rule{{contains: substr, handler: handler}}, h.rules...)
}

// Reply registers a handler returning fixed lines.
func (h *Host) Reply(substr string, lines ...string) {
	h.On(substr, func(remote.Command) ([]string, error) { return lines, nil })
}

// Fail registers a handler exiting with status 1.
func (h *Host) Fail(substr string, stderr ...string) {
	h.On(substr, func(cmd remote.Command) ([]string, error) {
		return nil, &remote.RemoteExecutionError{Command: cmd.Redacted(), ExitStatus: 1, Stderr: stderr}
	})
}

// FailDial makes every Connect fail with err.
func (h *Host) FailDial(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dialErr = err
}

func (h *Host) Put(p string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[path.Clean(p)] = data
}

func (h *Host) File(p string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.files[path.Clean(p)]
	return data, ok
}

// Commands returns every executed command in order.
func (h *Host) Commands() []remote.Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]remote.Command(nil), h.commands...)
}

// Ran reports whether any executed command contains substr.
func (h *Host) Ran(substr string) bool {
	for _, c := range h.Commands() {
		if strings.Contains(c.String(), substr) {
			return true
		}
	}
	return false
}

// Balanced reports whether every opened session was closed.
func (h *Host) Balanced() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connects == h.closes
}

func (h *Host) Connects() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connects
}

// Connect implements remote.Connector.
func (h *Host) Connect(_ context.Context, _ *models.Agent) (remote.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dialErr != nil {
		return nil, h.dialErr
	}
	h.connects++
	return &session{host: h}, nil
}

type session struct {
	host   *Host
	closed bool
}

func (s *session) Execute(ctx context.Context, cmd remote.Command) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := s.host
	h.mu.Lock()
	h.commands = append(h.commands, cmd)
	var handler Handler
	for _, r := range h.rules {
		if strings.Contains(cmd.Cmd, r.contains) {
			handler = r.handler
			break
		}
	}
	h.mu.Unlock()

	if handler == nil {
		return nil, nil
	}
	lines, err := handler(cmd)
	var exitErr *remote.RemoteExecutionError
	if err != nil && cmd.AllowStderr && errors.As(err, &exitErr) && exitErr.ExitStatus > 0 {
		return lines, nil
	}
	return lines, err
}

func (s *session) WriteFile(p string, data []byte, _ os.FileMode) error {
	s.host.Put(p, append([]byte(nil), data...))
	return nil
}

func (s *session) Mkdir(p string) error {
	s.host.Put(path.Join(p, ".dir"), nil)
	return nil
}

func (s *session) ReadDir(p string) ([]string, error) {
	h := s.host
	h.mu.Lock()
	defer h.mu.Unlock()
	prefix := path.Clean(p) + "/"
	seen := map[string]bool{}
	for name := range h.files {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		entry, _, _ := strings.Cut(strings.TrimPrefix(name, prefix), "/")
		if entry != ".dir" {
			seen[entry] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *session) Open(p string) (io.ReadCloser, error) {
	data, ok := s.host.File(p)
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, os.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.host.mu.Lock()
	s.host.closes++
	s.host.mu.Unlock()
	return nil
}
