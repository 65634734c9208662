// Package results builds the output manifest of a run from the files left
// in its remote working directory, caches it and archives what exists.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/artifacts"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/batch"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db/models"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/flow"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/kv"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/plog"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/remote"
)

const probeLimit = 8

type Collector struct {
	cache    kv.Store
	archive  artifacts.Store
	cacheTTL time.Duration
	logger   *plog.Logger
}

type Option func(*Collector)

// WithCacheTTL bounds how long a manifest stays cached. Zero keeps it
// until the run is swept.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Collector) { c.cacheTTL = ttl }
}

func WithLogger(l *plog.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

func New(cache kv.Store, archive artifacts.Store, opts ...Option) *Collector {
	c := &Collector{cache: cache, archive: archive, logger: plog.NewDefault()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func CacheKey(guid string) string {
	return "results/" + guid
}

// Names lists the outputs expected by name, in manifest order.
func Names(run *models.Run, agent *models.Agent, output *flow.Output) []string {
	var names []string
	if output != nil {
		names = append(names, output.Include.Names...)
	}
	names = append(names, run.GUID+".zip")
	if !agent.Launcher {
		names = append(names, agent.LogName(run.GUID))
	}
	if run.JobID != "" {
		stdout, stderr := "plantit."+run.JobID+".out", "plantit."+run.JobID+".err"
		if profile, err := batch.For(agent.Executor); err == nil {
			stdout, stderr = profile.OutputFiles(run.JobID)
		}
		names = append(names, stdout, stderr)
	}
	return names
}

// Collect probes every named output, then adds directory entries matching
// an include pattern. Probes are independent: a missing file is reported
// as not existing and a failed probe is reported on its entry. Collect
// fails only when no probe got through.
func (c *Collector) Collect(ctx context.Context, sess remote.Session, run *models.Run, agent *models.Agent, output *flow.Output) ([]models.Output, error) {
	dir := agent.RunDir(run)
	names := Names(run, agent, output)
	outputs := make([]models.Output, len(names))
	errs := make([]error, len(names))

	var g errgroup.Group
	g.SetLimit(probeLimit)
	for i, name := range names {
		p := path.Join(dir, name)
		outputs[i] = models.Output{Name: name, Path: p}
		g.Go(func() error {
			exists, err := probe(ctx, sess, p)
			if err != nil {
				errs[i] = fmt.Errorf("failed to probe %s: %w", p, err)
				outputs[i].Error = err.Error()
				return nil
			}
			outputs[i].Exists = exists
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			c.logger.Warn("output probe failed", "run", run.GUID, "error", err)
		}
	}
	if failed == len(names) {
		return nil, errors.Join(errs...)
	}

	var patterns []string
	if output != nil {
		patterns = output.Include.Patterns
	}
	if len(patterns) > 0 {
		entries, err := sess.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", dir, err)
		}
		seen := make(map[string]bool, len(names))
		for _, n := range names {
			seen[n] = true
		}
		for _, entry := range entries {
			if seen[entry] || !matchesAny(entry, patterns) {
				continue
			}
			seen[entry] = true
			outputs = append(outputs, models.Output{Name: entry, Path: path.Join(dir, entry), Exists: true})
		}
	}

	c.logger.Debug("collected outputs", "run", run.GUID, "count", len(outputs))
	return outputs, nil
}

func probe(ctx context.Context, sess remote.Session, p string) (bool, error) {
	lines, err := sess.Execute(ctx, remote.Command{
		Cmd:         "test -e " + p + " && echo exists",
		AllowStderr: true,
	})
	if err != nil {
		var rerr *remote.RemoteExecutionError
		if errors.As(err, &rerr) {
			return false, nil
		}
		return false, err
	}
	for _, line := range lines {
		if strings.TrimSpace(line) == "exists" {
			return true, nil
		}
	}
	return false, nil
}

// Patterns match by substring.
func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(name, p) {
			return true
		}
	}
	return false
}

// Store caches the manifest of a run.
func (c *Collector) Store(ctx context.Context, guid string, outputs []models.Output) error {
	data, err := json.Marshal(outputs)
	if err != nil {
		return err
	}
	if err := c.cache.Set(ctx, CacheKey(guid), data, c.cacheTTL); err != nil {
		return fmt.Errorf("failed to cache manifest: %w", err)
	}
	return nil
}

// Cached returns the cached manifest, or ok=false when none is stored.
func (c *Collector) Cached(ctx context.Context, guid string) ([]models.Output, bool, error) {
	data, err := c.cache.Get(ctx, CacheKey(guid))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read manifest: %w", err)
	}
	var outputs []models.Output
	if err := json.Unmarshal(data, &outputs); err != nil {
		return nil, false, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return outputs, true, nil
}

// Archive uploads each existing output under runs/<guid>/<name> and
// records the key on the manifest entry.
func (c *Collector) Archive(ctx context.Context, sess remote.Session, guid string, outputs []models.Output) error {
	var errs []error
	for i := range outputs {
		out := &outputs[i]
		if !out.Exists {
			continue
		}
		key := artifacts.RunKey(guid, out.Name)
		if err := c.upload(ctx, sess, guid, key, out.Path); err != nil {
			errs = append(errs, fmt.Errorf("failed to archive %s: %w", out.Name, err))
			continue
		}
		out.Key = key
	}
	return errors.Join(errs...)
}

func (c *Collector) upload(ctx context.Context, sess remote.Session, guid, key, p string) error {
	r, err := sess.Open(p)
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = c.archive.Upload(ctx, key, r, -1, map[string]string{"run": guid})
	return err
}

// URL presigns a download of an archived output.
func (c *Collector) URL(ctx context.Context, guid, name string, expiry time.Duration) (string, error) {
	return c.archive.PresignedURL(ctx, artifacts.RunKey(guid, name), expiry)
}

// Forget drops the cached manifest and every archived output of a run.
func (c *Collector) Forget(ctx context.Context, guid string) error {
	return errors.Join(
		c.cache.Delete(ctx, CacheKey(guid)),
		c.archive.DeletePrefix(ctx, artifacts.RunPrefix(guid)),
	)
}
