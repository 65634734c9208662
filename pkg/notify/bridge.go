// Package notify pairs every run status write with a live update to the
// run's owner and keeps the per-run submission log.
package notify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db/models"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/plog"
)

// Update is what subscribers receive for each status.
type Update struct {
	Username string         `json:"username"`
	Run      *models.Run    `json:"run"`
	Status   *models.Status `json:"status"`
}

// Publisher delivers an update to user X.
type Publisher interface {
	Publish(ctx context.Context, u Update) error
}

// StatusWriter persists a status write, calling publish inside the same
// transaction so a failed publish rolls the write back.
type StatusWriter interface {
	WriteStatus(ctx context.Context, w models.StatusWrite, publish func(context.Context) error) error
}

type Bridge struct {
	store     StatusWriter
	publisher Publisher
	logDir    string
	logger    *plog.Logger
	now       func() time.Time

	mu sync.Mutex
}

type Option func(*Bridge)

func WithLogDir(dir string) Option {
	return func(b *Bridge) { b.logDir = dir }
}

func WithLogger(l *plog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

func NewBridge(store StatusWriter, publisher Publisher, opts ...Option) *Bridge {
	b := &Bridge{
		store:     store,
		publisher: publisher,
		logDir:    "logs",
		logger:    plog.NewDefault(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Record writes the run columns and status and publishes the update, all
// or nothing. The description is then appended to the submission log.
func (b *Bridge) Record(ctx context.Context, w models.StatusWrite) error {
	if w.Status.Date.IsZero() {
		w.Status.Date = b.now()
	}
	if w.Status.Location == "" {
		w.Status.Location = models.LocationOrchestrator
	}
	w.Status.RunGUID = w.Run.GUID

	err := b.store.WriteStatus(ctx, w, func(ctx context.Context) error {
		return b.publisher.Publish(ctx, Update{Username: w.Run.Username, Run: w.Run, Status: w.Status})
	})
	if err != nil {
		return err
	}

	if err := b.appendLog(w.Run.GUID, w.Status.Description); err != nil {
		b.logger.Warn("failed to append submission log", "run", w.Run.GUID, "error", err)
	}
	b.logger.Info(w.Status.Description, "run", w.Run.GUID, "state", string(w.Status.State))
	return nil
}

// SubmissionLogPath is the local log of orchestrator-side status lines.
func (b *Bridge) SubmissionLogPath(guid string) string {
	return filepath.Join(b.logDir, guid+".plantit.log")
}

// ContainerLogPath is the local copy of the workflow's own log.
func (b *Bridge) ContainerLogPath(guid, agent string) string {
	return filepath.Join(b.logDir, guid+"."+strings.ToLower(agent)+".log")
}

func (b *Bridge) appendLog(guid, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.MkdirAll(b.logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(b.SubmissionLogPath(guid), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, text)
	return err
}

// WriteContainerLog replaces the local copy of a run's container log.
func (b *Bridge) WriteContainerLog(guid, agent string, data []byte) error {
	if err := os.MkdirAll(b.logDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(b.ContainerLogPath(guid, agent), data, 0o644)
}

// ReadLog returns the lines of a run's submission log.
func (b *Bridge) ReadLog(guid string) ([]string, error) {
	data, err := os.ReadFile(b.SubmissionLogPath(guid))
	if err != nil {
		return nil, err
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n"), nil
}

// RemoveLogs deletes every local log of a run. Missing files are ignored.
func (b *Bridge) RemoveLogs(guid string) error {
	matches, err := filepath.Glob(filepath.Join(b.logDir, guid+".*.log"))
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Fanout publishes to every publisher and fails if any does.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, u Update) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops updates.
type Discard struct{}

func (Discard) Publish(context.Context, Update) error { return nil }
