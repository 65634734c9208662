// Package github fetches workflow configurations (plantit.yaml) from the
// repositories that publish them.
package github

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/perr"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/plog"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/retry"
)

// ConfigFile is the workflow configuration every repository carries at its
// root.
const ConfigFile = "plantit.yaml"

const DefaultBranch = "master"

// Workflow identifies a repository and branch.
type Workflow struct {
	Owner  string
	Name   string
	Branch string
}

func (w Workflow) branch() string {
	if w.Branch == "" {
		return DefaultBranch
	}
	return w.Branch
}

func (w Workflow) String() string {
	return w.Owner + "/" + w.Name + "@" + w.branch()
}

type Client struct {
	http    *http.Client
	rawURL  string
	backoff wait.Backoff
	logger  *plog.Logger
}

type Option func(*Client)

// WithRawURL points the client at a different raw content host.
func WithRawURL(u string) Option {
	return func(c *Client) { c.rawURL = strings.TrimSuffix(u, "/") }
}

func WithBackoff(b wait.Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

func WithLogger(l *plog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client authenticating with the user's GitHub token. An
// empty token reads public repositories anonymously.
func New(ctx context.Context, token string, opts ...Option) *Client {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if token != "" {
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
		httpClient.Timeout = 30 * time.Second
	}
	c := &Client{
		http:    httpClient,
		rawURL:  "https://raw.githubusercontent.com",
		backoff: retry.Default,
		logger:  plog.NewDefault(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ConfigURL is the raw URL of the workflow's configuration file.
func (c *Client) ConfigURL(w Workflow) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", c.rawURL, w.Owner, w.Name, w.branch(), ConfigFile)
}

// ImageURL resolves a logo path declared in the configuration.
func (c *Client) ImageURL(w Workflow, logo string) string {
	if logo == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s/%s/%s/%s", c.rawURL, w.Owner, w.Name, w.branch(), strings.TrimPrefix(logo, "/"))
}

// FetchConfig downloads and decodes the workflow configuration. Network
// failures and server errors are retried; a missing file is not.
func (c *Client) FetchConfig(ctx context.Context, w Workflow) (map[string]any, error) {
	url := c.ConfigURL(w)

	var body []byte
	err := retry.Transient(ctx, c.backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			c.logger.Warn("workflow config request failed", "workflow", w.String(), "error", err)
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			body, err = io.ReadAll(resp.Body)
			return err
		case resp.StatusCode == http.StatusNotFound:
			return retry.Permanent(perr.NotFound("workflow", w.String()))
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("github returned %s", resp.Status)
		default:
			return retry.Permanent(fmt.Errorf("github returned %s", resp.Status))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s for %s: %w", ConfigFile, w.String(), err)
	}

	config := map[string]any{}
	if err := yaml.Unmarshal(body, &config); err != nil {
		return nil, perr.New(perr.CodeValidation, fmt.Errorf("failed to decode %s for %s: %w", ConfigFile, w.String(), err))
	}
	return config, nil
}
