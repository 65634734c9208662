// Package runs drives a run through its lifecycle: creation, submission
// to an agent, status tracking by callback and polling, cancellation,
// results collection, cleanup and retention.
package runs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db/models"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/flow"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/github"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/notify"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/perr"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/plog"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/remote"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/results"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/script"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/tasks"
)

const (
	DefaultRetention    = 30 * 24 * time.Hour
	DefaultPollInterval = time.Minute
	DefaultMaxPollDelay = 30 * time.Minute
)

// Workflows fetches workflow configurations on behalf of a user.
type Workflows interface {
	FetchConfig(ctx context.Context, w github.Workflow) (map[string]any, error)
	ImageURL(w github.Workflow, logo string) string
}

// WorkflowsFunc builds a Workflows client from a user's GitHub token.
type WorkflowsFunc func(ctx context.Context, token string) Workflows

type Manager struct {
	store     Store
	bridge    *notify.Bridge
	connector remote.Connector
	composer  *script.Composer
	collector *results.Collector
	tokens    *Tokens

	workflows    WorkflowsFunc
	checker      flow.ImageChecker
	scheduler    *tasks.Scheduler
	logger       *plog.Logger
	callbackURL  string
	retention    time.Duration
	pollInterval time.Duration
	maxPollDelay time.Duration
	now          func() time.Time

	locks *keyedMutex
	queue *tasks.Queue[Task]
	ctx   context.Context

	pollMu sync.Mutex
	polls  map[string]*pollGate
}

type Option func(*Manager)

func WithLogger(l *plog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithWorkflows(f WorkflowsFunc) Option {
	return func(m *Manager) { m.workflows = f }
}

// WithImageChecker verifies docker:// images at creation.
func WithImageChecker(c flow.ImageChecker) Option {
	return func(m *Manager) { m.checker = c }
}

func WithScheduler(s *tasks.Scheduler) Option {
	return func(m *Manager) { m.scheduler = s }
}

// WithCallbackURL sets the public API base the remote CLI reports to.
func WithCallbackURL(base string) Option {
	return func(m *Manager) { m.callbackURL = strings.TrimRight(base, "/") }
}

func WithRetention(d time.Duration) Option {
	return func(m *Manager) { m.retention = d }
}

// WithPollInterval sets the polling tick and the longest a quiet run may
// go between polls.
func WithPollInterval(interval, max time.Duration) Option {
	return func(m *Manager) {
		m.pollInterval = interval
		m.maxPollDelay = max
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func New(store Store, bridge *notify.Bridge, connector remote.Connector, composer *script.Composer,
	collector *results.Collector, tokens *Tokens, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		bridge:       bridge,
		connector:    connector,
		composer:     composer,
		collector:    collector,
		tokens:       tokens,
		logger:       plog.NewDefault(),
		retention:    DefaultRetention,
		pollInterval: DefaultPollInterval,
		maxPollDelay: DefaultMaxPollDelay,
		now:          time.Now,
		locks:        newKeyedMutex(),
		ctx:          context.Background(),
		polls:        map[string]*pollGate{},
	}
	m.workflows = func(ctx context.Context, token string) Workflows {
		return github.New(ctx, token, github.WithLogger(m.logger))
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.scheduler == nil {
		m.scheduler = tasks.NewScheduler(m.logger)
	}
	return m
}

// Start moves task execution onto a pool of workers and schedules the
// periodic poll and retention sweeps. Before Start, tasks run inline.
func (m *Manager) Start(workers int) error {
	q, err := tasks.NewQueue(workers, m.Handle, tasks.WithQueueLogger(m.logger))
	if err != nil {
		return err
	}
	m.queue = q
	m.scheduler.Every(m.pollInterval, func() { m.PollActive(m.ctx) })
	if _, err := m.scheduler.Cron("@daily", func() { m.Dispatch(SweepTask{Before: m.now().Add(-m.retention)}) }); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	m.scheduler.Start()
	return nil
}

// Close stops scheduling and waits up to timeout for running tasks.
func (m *Manager) Close(timeout time.Duration) error {
	<-m.scheduler.Stop().Done()
	if m.queue != nil {
		return m.queue.Close(timeout)
	}
	return nil
}

// Dispatch hands a task to the worker pool without waiting for it.
func (m *Manager) Dispatch(t Task) {
	if m.queue == nil {
		m.Handle(m.ctx, t)
		return
	}
	if err := m.queue.Dispatch(t); err != nil {
		m.logger.Error("failed to dispatch task", "kind", string(t.Kind()), "run", t.Run(), "error", err)
	}
}

// Handle runs one task. Errors are recorded as a FAILED status on the run
// and never returned. Follow-up tasks are dispatched after the run's lock
// is released.
func (m *Manager) Handle(ctx context.Context, t Task) {
	next, err := m.execute(ctx, t)
	if err != nil {
		m.fail(ctx, t, err)
	}
	for _, n := range next {
		m.Dispatch(n)
	}
}

func (m *Manager) execute(ctx context.Context, t Task) ([]Task, error) {
	if sweep, ok := t.(SweepTask); ok {
		return nil, m.sweep(ctx, sweep.Before)
	}

	unlock := m.locks.Lock(t.Run())
	defer unlock()

	run, err := m.store.GetRun(ctx, t.Run())
	if err != nil {
		return nil, err
	}
	agent, err := m.store.GetAgent(ctx, run.AgentName)
	if err != nil {
		return nil, err
	}

	switch t.(type) {
	case SubmitTask:
		return m.submit(ctx, run, agent)
	case PollTask:
		return m.poll(ctx, run, agent)
	case CancelTask:
		return nil, m.cancel(ctx, run, agent)
	case CollectTask:
		return nil, m.collect(ctx, run, agent)
	case CleanupTask:
		return nil, m.cleanup(ctx, run, agent)
	}
	return nil, fmt.Errorf("unknown task kind %q", t.Kind())
}

func (m *Manager) fail(ctx context.Context, t Task, cause error) {
	log := m.logger.With("kind", string(t.Kind()), "run", t.Run())
	// a lost race with another writer leaves the run as the winner wrote it
	if t.Run() == "" || perr.IsCode(cause, perr.CodeNotFound) || perr.IsCode(cause, perr.CodeConflict) {
		log.Error("task failed", "error", cause)
		return
	}

	unlock := m.locks.Lock(t.Run())
	defer unlock()

	run, err := m.store.GetRun(ctx, t.Run())
	if err != nil {
		log.Error("task failed", "error", cause)
		return
	}
	desc := fmt.Sprintf("Failed to %s: %v", t.Kind(), cause)
	w := models.StatusWrite{Run: run, Status: &models.Status{State: models.StateFailed, Description: desc}}
	if !run.JobStatus.Terminal() {
		run.ApplyState(models.StateFailed, m.now())
		w.Columns = models.StateColumns
		w.RequireActive = true
	}
	if err := m.bridge.Record(ctx, w); err != nil {
		log.Error("failed to record task failure", "cause", cause, "error", err)
	}
}

// transition moves an active run to state. The store refuses the write if
// the run turned terminal in the meantime.
func (m *Manager) transition(ctx context.Context, run *models.Run, state models.State, desc string, columns ...string) error {
	run.ApplyState(state, m.now())
	return m.bridge.Record(ctx, models.StatusWrite{
		Run:           run,
		Columns:       append(append([]string(nil), models.StateColumns...), columns...),
		Status:        &models.Status{State: state.StatusState(), Description: desc},
		RequireActive: true,
	})
}

// note appends a status in the run's current state, persisting columns.
func (m *Manager) note(ctx context.Context, run *models.Run, desc string, columns ...string) error {
	run.Updated = m.now()
	return m.bridge.Record(ctx, models.StatusWrite{
		Run:           run,
		Columns:       columns,
		Status:        &models.Status{State: run.JobStatus.StatusState(), Description: desc},
		RequireActive: !run.JobStatus.Terminal(),
	})
}

// CreateRequest describes a run to create.
type CreateRequest struct {
	Username string
	Agent    string
	Workflow github.Workflow
	Name     string
	// Config is the workflow configuration. When nil it is fetched from
	// the workflow repository.
	Config     map[string]any
	InputFiles []string
	Tags       []string
	Delay      *Delay
}

// Create validates and persists a run, then submits it now or after the
// requested delay.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.Run, error) {
	agent, err := m.store.GetAgent(ctx, req.Agent)
	if err != nil {
		return nil, err
	}
	if agent.Disabled {
		return nil, perr.Newf(perr.CodeForbidden, "agent %s is disabled", agent.Name)
	}
	policies, err := m.store.ListAgentPolicies(ctx, agent.Name)
	if err != nil {
		return nil, err
	}
	if !agent.CanSubmit(req.Username, policies) {
		return nil, perr.Newf(perr.CodeForbidden, "user %s may not submit to agent %s", req.Username, agent.Name)
	}
	user, err := m.store.GetUser(ctx, req.Username)
	if err != nil {
		return nil, err
	}

	var delay time.Duration
	if req.Delay != nil {
		if delay, err = ParseDelay(*req.Delay); err != nil {
			return nil, err
		}
	}

	config := req.Config
	var imageURL string
	if config == nil || req.Workflow.Owner != "" {
		wf := m.workflows(ctx, user.GithubToken)
		if config == nil {
			if config, err = wf.FetchConfig(ctx, req.Workflow); err != nil {
				return nil, err
			}
		}
		if logo, ok := config["logo"].(string); ok && logo != "" {
			imageURL = wf.ImageURL(req.Workflow, logo)
		}
	}

	opts, err := flow.Parse(ctx, config, agent, m.checker)
	if err != nil {
		return nil, perr.New(perr.CodeValidation, err)
	}

	guid := uuid.NewString()
	token, err := m.tokens.Issue(guid)
	if err != nil {
		return nil, err
	}
	now := m.now()
	name := req.Name
	if name == "" {
		name = guid
	}
	run := &models.Run{
		GUID:             guid,
		Name:             name,
		Username:         req.Username,
		WorkflowOwner:    req.Workflow.Owner,
		WorkflowName:     req.Workflow.Name,
		WorkflowImageURL: imageURL,
		AgentName:        agent.Name,
		JobStatus:        models.StateCreated,
		WorkDir:          guid + "/",
		Token:            token,
		Tags:             mergeTags(req.Tags, opts.Tags),
		InputFiles:       req.InputFiles,
		Config:           config,
		Created:          now,
		Updated:          now,
	}
	if err := m.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if err := m.note(ctx, run, fmt.Sprintf("Created run %s on %s", guid, agent.Name)); err != nil {
		return nil, err
	}

	if delay > 0 {
		eta := now.Add(delay)
		if err := m.note(ctx, run, "Scheduled for "+eta.UTC().Format(time.RFC3339)); err != nil {
			return nil, err
		}
		m.scheduler.At(eta, func() { m.Dispatch(SubmitTask{GUID: guid}) })
		return run, nil
	}
	m.Dispatch(SubmitTask{GUID: guid})
	return run, nil
}

func mergeTags(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range append(append([]string(nil), a...), b...) {
		if t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// Get returns a run owned by username.
func (m *Manager) Get(ctx context.Context, guid, username string) (*models.Run, error) {
	run, err := m.store.GetRun(ctx, guid)
	if err != nil {
		return nil, err
	}
	if run.Username != username {
		return nil, perr.NotFound("run", guid)
	}
	return run, nil
}

func (m *Manager) List(ctx context.Context, username string, limit int) ([]*models.Run, error) {
	return m.store.ListRuns(ctx, models.RunFilter{Username: username, Limit: limit})
}

func (m *Manager) Statuses(ctx context.Context, guid, username string) ([]*models.Status, error) {
	if _, err := m.Get(ctx, guid, username); err != nil {
		return nil, err
	}
	return m.store.ListStatuses(ctx, guid)
}

// Logs returns the submission log of a run.
func (m *Manager) Logs(ctx context.Context, guid, username string) ([]string, error) {
	if _, err := m.Get(ctx, guid, username); err != nil {
		return nil, err
	}
	lines, err := m.bridge.ReadLog(guid)
	if err != nil {
		return nil, perr.NotFound("log", guid)
	}
	return lines, nil
}

// Outputs returns the cached manifest, falling back to the persisted one.
func (m *Manager) Outputs(ctx context.Context, guid, username string) ([]models.Output, error) {
	run, err := m.Get(ctx, guid, username)
	if err != nil {
		return nil, err
	}
	outputs, ok, err := m.collector.Cached(ctx, guid)
	if err != nil {
		m.logger.Warn("manifest cache unavailable", "run", guid, "error", err)
	}
	if ok {
		return outputs, nil
	}
	return run.Results, nil
}

// OutputURL presigns the archived copy of one output.
func (m *Manager) OutputURL(ctx context.Context, guid, username, name string, expiry time.Duration) (string, error) {
	outputs, err := m.Outputs(ctx, guid, username)
	if err != nil {
		return "", err
	}
	for _, o := range outputs {
		if o.Name == name && o.Key != "" {
			return m.collector.URL(ctx, guid, name, expiry)
		}
	}
	return "", perr.NotFound("output", name)
}

// Agents lists the enabled agents username may submit to.
func (m *Manager) Agents(ctx context.Context, username string) ([]*models.Agent, error) {
	all, err := m.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	var visible []*models.Agent
	for _, a := range all {
		if a.Disabled {
			continue
		}
		policies, err := m.store.ListAgentPolicies(ctx, a.Name)
		if err != nil {
			return nil, err
		}
		if a.CanSubmit(username, policies) {
			visible = append(visible, a)
		}
	}
	return visible, nil
}

// Cancel asks for a run owned by username to be cancelled.
func (m *Manager) Cancel(ctx context.Context, guid, username string) error {
	run, err := m.Get(ctx, guid, username)
	if err != nil {
		return err
	}
	if run.JobStatus.Terminal() {
		return perr.Newf(perr.CodeConflict, "run %s is already %s", guid, strings.ToLower(string(run.JobStatus)))
	}
	m.Dispatch(CancelTask{GUID: guid})
	return nil
}

// Cleanup asks for a finished run's remote working directory to be
// removed.
func (m *Manager) Cleanup(ctx context.Context, guid, username string) error {
	run, err := m.Get(ctx, guid, username)
	if err != nil {
		return err
	}
	if !run.JobStatus.Terminal() {
		return perr.Newf(perr.CodeConflict, "run %s is still active", guid)
	}
	m.Dispatch(CleanupTask{GUID: guid})
	return nil
}

// Callback applies a status report from the remote agent. Terminal runs
// accept no further reports.
func (m *Manager) Callback(ctx context.Context, guid, token string, cb Callback) error {
	state, err := CallbackState(cb.State)
	if err != nil {
		return err
	}

	next, err := func() ([]Task, error) {
		unlock := m.locks.Lock(guid)
		defer unlock()

		run, err := m.store.GetRun(ctx, guid)
		if err != nil {
			return nil, err
		}
		if err := m.tokens.Verify(run, token); err != nil {
			return nil, err
		}
		if run.JobStatus.Terminal() {
			return nil, perr.Newf(perr.CodeConflict, "run %s is already terminal", guid)
		}

		lines := CallbackLines(cb.Description)
		advance := state.Rank() > run.JobStatus.Rank()
		if advance && len(lines) == 0 {
			lines = []string{"Run " + strings.ToLower(string(state))}
		}
		// a report that would move the run back is kept as a note in the
		// run's current state
		recorded := state
		if !advance {
			recorded = run.JobStatus
		}
		for i, line := range lines {
			w := models.StatusWrite{
				Run:           run,
				Status:        &models.Status{State: recorded.StatusState(), Description: line, Location: run.AgentName},
				RequireActive: true,
			}
			if advance && i == len(lines)-1 {
				run.ApplyState(state, m.now())
				w.Columns = models.StateColumns
			} else {
				run.Updated = m.now()
			}
			if err := m.bridge.Record(ctx, w); err != nil {
				return nil, err
			}
		}
		if advance && state == models.StateCompleted {
			return []Task{CollectTask{GUID: guid}}, nil
		}
		return nil, nil
	}()
	if err != nil {
		return err
	}
	m.forgetPoll(guid)
	for _, t := range next {
		m.Dispatch(t)
	}
	return nil
}

// pollGate spaces out polls of a run that keeps reporting the same state.
type pollGate struct {
	backoff *backoff.Backoff
	next    time.Time
	state   models.State
}

// PollActive dispatches a poll for every scheduled run that is due.
func (m *Manager) PollActive(ctx context.Context) {
	active, err := m.store.ListRuns(ctx, models.RunFilter{States: []models.State{models.StateRunning}})
	if err != nil {
		m.logger.Error("failed to list active runs", "error", err)
		return
	}
	now := m.now()
	for _, run := range active {
		if run.JobID == "" || !m.pollDue(run.GUID, now) {
			continue
		}
		m.Dispatch(PollTask{GUID: run.GUID})
	}
}

func (m *Manager) pollDue(guid string, now time.Time) bool {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	g, ok := m.polls[guid]
	if !ok {
		g = &pollGate{backoff: &backoff.Backoff{Min: m.pollInterval, Max: m.maxPollDelay, Factor: 2, Jitter: true}}
		m.polls[guid] = g
	}
	return !now.Before(g.next)
}

// pollObserved pushes the next poll of a run back while its state holds
// and resets the spacing when it changes.
func (m *Manager) pollObserved(guid string, state models.State) {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	if state.Terminal() {
		delete(m.polls, guid)
		return
	}
	g, ok := m.polls[guid]
	if !ok {
		g = &pollGate{backoff: &backoff.Backoff{Min: m.pollInterval, Max: m.maxPollDelay, Factor: 2, Jitter: true}}
		m.polls[guid] = g
	}
	if g.state != state {
		g.backoff.Reset()
		g.state = state
	}
	g.next = m.now().Add(g.backoff.Duration())
}

func (m *Manager) forgetPoll(guid string) {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	delete(m.polls, guid)
}

// Sweep deletes every run past the retention window.
func (m *Manager) Sweep(ctx context.Context) error {
	return m.sweep(ctx, m.now().Add(-m.retention))
}

func (m *Manager) options(ctx context.Context, run *models.Run, agent *models.Agent) (*flow.RunOptions, error) {
	opts, err := flow.Parse(ctx, run.Config, agent, nil)
	if err != nil {
		var verr *flow.ValidationError
		if errors.As(err, &verr) {
			return nil, perr.New(perr.CodeValidation, err)
		}
		return nil, err
	}
	return opts, nil
}

func (m *Manager) statusURL(guid string) string {
	if m.callbackURL == "" {
		return ""
	}
	return m.callbackURL + "/api/runs/" + guid + "/status"
}
