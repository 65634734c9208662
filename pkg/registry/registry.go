// Package registry answers whether a container image referenced by a
// workflow configuration can actually be pulled.
package registry

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/plog"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/retry"
)

// DockerPrefix marks image references resolved against a Docker registry.
const DockerPrefix = "docker://"

// Image is a parsed image reference.
type Image struct {
	Domain string
	Owner  string
	Name   string
	Tag    string
}

// Repository is owner/name.
func (i Image) Repository() string {
	return i.Owner + "/" + i.Name
}

func (i Image) String() string {
	return i.Domain + "/" + i.Repository() + ":" + i.Tag
}

// Parse normalizes ref (with or without the docker:// prefix) into its
// components. Official images get the "library" owner and a missing tag
// becomes "latest".
func Parse(ref string) (Image, error) {
	named, err := reference.ParseNormalizedNamed(strings.TrimPrefix(ref, DockerPrefix))
	if err != nil {
		return Image{}, fmt.Errorf("invalid image reference %q: %w", ref, err)
	}
	named = reference.TagNameOnly(named)

	img := Image{Domain: reference.Domain(named), Tag: "latest"}
	repo := reference.Path(named)
	if i := strings.LastIndex(repo, "/"); i >= 0 {
		img.Owner, img.Name = repo[:i], repo[i+1:]
	} else {
		img.Owner, img.Name = "library", repo
	}
	if tagged, ok := named.(reference.Tagged); ok {
		img.Tag = tagged.Tag()
	}
	return img, nil
}

// Checker reports whether an image exists.
type Checker interface {
	Exists(ctx context.Context, ref string) (bool, error)
}

// Hub checks tags against the Docker Hub repository API.
type Hub struct {
	baseURL string
	client  *http.Client
	backoff wait.Backoff
	logger  *plog.Logger
}

type HubOption func(*Hub)

func WithBaseURL(u string) HubOption {
	return func(h *Hub) { h.baseURL = strings.TrimSuffix(u, "/") }
}

func WithHTTPClient(c *http.Client) HubOption {
	return func(h *Hub) { h.client = c }
}

func WithBackoff(b wait.Backoff) HubOption {
	return func(h *Hub) { h.backoff = b }
}

func WithLogger(l *plog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		baseURL: "https://hub.docker.com",
		client:  &http.Client{Timeout: 30 * time.Second},
		backoff: retry.Default,
		logger:  plog.NewDefault(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Exists(ctx context.Context, ref string) (bool, error) {
	img, err := Parse(ref)
	if err != nil {
		return false, err
	}
	url := fmt.Sprintf("%s/v2/repositories/%s/tags/%s", h.baseURL, img.Repository(), img.Tag)

	var exists bool
	err = retry.Transient(ctx, h.backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		resp, err := h.client.Do(req)
		if err != nil {
			h.logger.Warn("registry request failed", "image", img.String(), "error", err)
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			exists = true
			return nil
		case resp.StatusCode == http.StatusNotFound:
			exists = false
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("registry returned %s", resp.Status)
		default:
			return retry.Permanent(fmt.Errorf("registry returned %s", resp.Status))
		}
	})
	if err != nil {
		return false, fmt.Errorf("failed to check image %s: %w", img.String(), err)
	}
	return exists, nil
}

// Daemon resolves images through the local Docker daemon's distribution
// endpoint, which also covers private registries.
type Daemon struct {
	client *client.Client
	auth   string
}

// NewDaemon connects using the standard DOCKER_* environment. Empty
// credentials query registries anonymously.
func NewDaemon(username, password string) (*Daemon, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	d := &Daemon{client: cli}
	if username != "" {
		d.auth, err = registry.EncodeAuthConfig(registry.AuthConfig{Username: username, Password: password})
		if err != nil {
			return nil, fmt.Errorf("failed to encode registry auth: %w", err)
		}
	}
	return d, nil
}

func (d *Daemon) Exists(ctx context.Context, ref string) (bool, error) {
	img, err := Parse(ref)
	if err != nil {
		return false, err
	}
	_, err = d.client.DistributionInspect(ctx, img.String(), d.auth)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to inspect image %s: %w", img.String(), err)
}

func (d *Daemon) Close() error {
	return d.client.Close()
}
