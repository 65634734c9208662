package runs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/artifacts"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db/models"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/flow"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/github"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/kv"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/notify"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/perr"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/plog"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/remote"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/remote/remotetest"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/results"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/script"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/tasks"
)

type recorder struct {
	mu      sync.Mutex
	updates []notify.Update
}

func (r *recorder) Publish(_ context.Context, u notify.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

type fakeWorkflows struct {
	config map[string]any
	calls  int
}

func (f *fakeWorkflows) FetchConfig(_ context.Context, w github.Workflow) (map[string]any, error) {
	f.calls++
	if f.config == nil {
		return nil, perr.NotFound("workflow", w.String())
	}
	return f.config, nil
}

func (f *fakeWorkflows) ImageURL(w github.Workflow, logo string) string {
	return "https://raw.example/" + w.Owner + "/" + w.Name + "/" + logo
}

type env struct {
	store     *db.Store
	host      *remotetest.Host
	publisher *recorder
	bridge    *notify.Bridge
	workflows *fakeWorkflows
	scheduler *tasks.Scheduler
	manager   *Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	database, err := db.New(ctx, db.Config{
		Driver: db.DriverSQLite,
		Path:   fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
	})
	if err != nil {
		t.Fatalf("db.New failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if _, err := db.Migrate(ctx, database); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	store := db.NewStore(database)

	if err := store.SaveUser(ctx, &models.User{Username: "alice", Email: "alice@example.org", StorageToken: "terrain-secret"}); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}
	agents := []*models.Agent{
		{Name: "Sandbox", Hostname: "sandbox", Port: 22, Username: "plantit", WorkDir: "/work",
			Executor: models.ExecutorLocal, Owner: "alice", MaxNodes: 1},
		{Name: "Cluster", Hostname: "hpc", Port: 22, Username: "svc", WorkDir: "/scratch",
			Executor: models.ExecutorSlurm, Public: true, MaxNodes: 2, MaxWalltime: 600, Queue: "batch", Callbacks: true},
		{Name: "Private", Hostname: "lab", Port: 22, Username: "bob", WorkDir: "/home/bob",
			Executor: models.ExecutorSlurm, Owner: "bob", MaxNodes: 1},
		{Name: "Retired", Hostname: "old", Port: 22, Username: "svc", WorkDir: "/tmp",
			Executor: models.ExecutorSlurm, Public: true, Disabled: true, MaxNodes: 1},
	}
	for _, a := range agents {
		if err := store.SaveAgent(ctx, a); err != nil {
			t.Fatalf("SaveAgent failed: %v", err)
		}
	}

	publisher := &recorder{}
	logger := plog.Discard()
	bridge := notify.NewBridge(store, publisher, notify.WithLogDir(t.TempDir()), notify.WithLogger(logger))
	composer, err := script.New(script.Config{DockerUsername: "duser", DockerPassword: "dpass"})
	if err != nil {
		t.Fatalf("script.New failed: %v", err)
	}
	collector := results.New(kv.NewMemoryStore(), artifacts.NewMemoryStore(), results.WithLogger(logger))
	tokens, err := NewTokens("callback-secret")
	if err != nil {
		t.Fatalf("NewTokens failed: %v", err)
	}
	host := remotetest.NewHost()
	workflows := &fakeWorkflows{}
	scheduler := tasks.NewScheduler(logger)
	t.Cleanup(func() { <-scheduler.Stop().Done() })

	m := New(store, bridge, host, composer, collector, tokens,
		WithLogger(logger),
		WithScheduler(scheduler),
		WithCallbackURL("https://plantit.example.org/"),
		WithClock(func() time.Time { return time.Now().UTC() }),
		WithWorkflows(func(context.Context, string) Workflows { return workflows }),
	)
	return &env{store: store, host: host, publisher: publisher, bridge: bridge, workflows: workflows, scheduler: scheduler, manager: m}
}

func baseConfig() map[string]any {
	return map[string]any{
		"image":   "docker://computationalplantscience/dirt",
		"workdir": "/opt/dirt",
		"command": "python3 main.py $INPUT",
	}
}

func (e *env) statuses(t *testing.T, guid string) []*models.Status {
	t.Helper()
	st, err := e.store.ListStatuses(context.Background(), guid)
	if err != nil {
		t.Fatalf("ListStatuses failed: %v", err)
	}
	return st
}

func (e *env) run(t *testing.T, guid string) *models.Run {
	t.Helper()
	run, err := e.store.GetRun(context.Background(), guid)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	return run
}

func hasStatus(statuses []*models.Status, state models.State, substr string) bool {
	for _, s := range statuses {
		if s.State == state && strings.Contains(s.Description, substr) {
			return true
		}
	}
	return false
}

func TestCreate_SandboxLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.host.On("./template_local_run.sh", func(cmd remote.Command) ([]string, error) {
		if cmd.Env["DOCKER_PASSWORD"] != "dpass" {
			return nil, errors.New("submission env missing credentials")
		}
		e.host.Put(path.Join(cmd.Dir, path.Base(cmd.Dir)+".sandbox.log"), []byte("login duser dpass\ndone\n"))
		return []string{"done"}, nil
	})

	run, err := e.manager.Create(ctx, CreateRequest{Username: "alice", Agent: "Sandbox", Config: baseConfig()})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got := e.run(t, run.GUID)
	if got.JobStatus != models.StateCompleted || !got.IsComplete || !got.IsSuccess || got.Completed == nil {
		t.Fatalf("run = %+v, want completed", got)
	}
	if got.WorkDir != run.GUID+"/" {
		t.Errorf("workdir = %s", got.WorkDir)
	}
	if got.JobID != "" {
		t.Errorf("sandbox run has job id %s", got.JobID)
	}

	statuses := e.statuses(t, run.GUID)
	var order []models.State
	for _, s := range statuses {
		if len(order) == 0 || order[len(order)-1] != s.State {
			order = append(order, s.State)
		}
	}
	want := []models.State{models.StateCreated, models.StateRunning, models.StateCompleted}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("state order = %v, want %v", order, want)
	}
	if e.publisher.count() != len(statuses) {
		t.Errorf("published %d updates for %d statuses", e.publisher.count(), len(statuses))
	}

	scriptData, ok := e.host.File("/work/" + run.GUID + "/template_local_run.sh")
	if !ok {
		t.Fatal("script not uploaded")
	}
	if strings.Contains(string(scriptData), "#SBATCH") || strings.Contains(string(scriptData), "dpass") {
		t.Errorf("sandbox script has directives or credentials:\n%s", scriptData)
	}
	if _, ok := e.host.File("/work/" + run.GUID + "/flow.yaml"); !ok {
		t.Error("flow file not uploaded")
	}
	if _, ok := e.host.File("/work/" + run.GUID + "/input/.dir"); !ok {
		t.Error("input directory not created")
	}

	log, err := os.ReadFile(e.bridge.ContainerLogPath(run.GUID, "Sandbox"))
	if err != nil {
		t.Fatalf("container log not stored: %v", err)
	}
	if strings.Contains(string(log), "dpass") || !strings.Contains(string(log), remote.Redacted) {
		t.Errorf("container log not redacted: %q", log)
	}
	if !e.host.Balanced() {
		t.Error("ssh session left open")
	}
	if got.Results == nil {
		t.Error("manifest not persisted")
	}
}

func slurmConfig() map[string]any {
	cfg := baseConfig()
	cfg["input"] = map[string]any{"kind": "files", "path": "/iplant/home/alice/roots", "patterns": []any{"jpg"}}
	cfg["resources"] = map[string]any{"time": "01:00:00", "cores": 1, "mem": "1GB"}
	return cfg
}

func TestCreate_SlurmSubmission(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.host.Reply("sbatch", "Submitted batch job 4242")

	run, err := e.manager.Create(ctx, CreateRequest{
		Username:   "alice",
		Agent:      "Cluster",
		Config:     slurmConfig(),
		InputFiles: []string{"a.jpg", "b.jpg", "c.jpg"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got := e.run(t, run.GUID)
	if got.JobStatus != models.StateRunning || got.JobID != "4242" {
		t.Fatalf("run state=%s job=%s", got.JobStatus, got.JobID)
	}
	if got.JobRequestedWalltime != "02:00:00" {
		t.Errorf("requested walltime = %q, want 02:00:00", got.JobRequestedWalltime)
	}
	statuses := e.statuses(t, run.GUID)
	if !hasStatus(statuses, models.StateCreated, "Using adjusted walltime 02:00:00") {
		t.Error("adjusted walltime not recorded")
	}

	data, ok := e.host.File("/scratch/" + run.GUID + "/template_slurm_run.sh")
	if !ok {
		t.Fatal("script not uploaded")
	}
	text := string(data)
	for _, want := range []string{"#SBATCH -N 2", "#SBATCH --ntasks=2", "#SBATCH --time=02:00:00", "--pattern jpg --pattern jpeg"} {
		if !strings.Contains(text, want) {
			t.Errorf("script missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "dpass") || strings.Contains(text, "terrain-secret") {
		t.Error("script leaks credentials")
	}
	if !strings.Contains(text, "https://plantit.example.org/api/runs/"+run.GUID+"/status") {
		t.Error("callback url missing from script")
	}

	var submit remote.Command
	for _, c := range e.host.Commands() {
		if strings.Contains(c.Cmd, "sbatch") {
			submit = c
		}
	}
	if submit.Env["TERRAIN_TOKEN"] != "terrain-secret" || submit.Dir != "/scratch/"+run.GUID {
		t.Errorf("submit command = %+v", submit)
	}
	if strings.Contains(submit.Redacted(), "dpass") {
		t.Error("redacted submit command leaks password")
	}

	e.host.Reply("sacct", "4242|RUNNING|0:0")
	e.host.Reply("squeue", "4242|RUNNING|5:01")
	e.manager.Handle(ctx, PollTask{GUID: run.GUID})
	got = e.run(t, run.GUID)
	if got.JobStatus != models.StateRunning || got.JobElapsedWalltime != "5:01" {
		t.Fatalf("after first poll state=%s elapsed=%s", got.JobStatus, got.JobElapsedWalltime)
	}

	e.host.Reply("sacct", "4242|COMPLETED|0:0", "4242.batch|COMPLETED|0:0")
	e.host.Reply("squeue")
	e.manager.Handle(ctx, PollTask{GUID: run.GUID})
	got = e.run(t, run.GUID)
	if got.JobStatus != models.StateCompleted || !got.IsSuccess {
		t.Fatalf("after final poll state=%s", got.JobStatus)
	}
	if !hasStatus(e.statuses(t, run.GUID), models.StateCompleted, "Collected") {
		t.Error("collect did not run after completion")
	}
	names := map[string]bool{}
	for _, o := range got.Results {
		names[o.Name] = true
	}
	if !names["plantit.4242.out"] || !names[run.GUID+".zip"] {
		t.Errorf("manifest = %+v", got.Results)
	}
	if !e.host.Balanced() {
		t.Error("ssh session left open")
	}
}

func TestPoll_TerminalRunIsNotRegressed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.host.Reply("sbatch", "Submitted batch job 7")
	run, err := e.manager.Create(ctx, CreateRequest{Username: "alice", Agent: "Cluster", Config: baseConfig()})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	e.host.Reply("sacct", "7|TIMEOUT|0:0")
	e.manager.Handle(ctx, PollTask{GUID: run.GUID})
	got := e.run(t, run.GUID)
	if got.JobStatus != models.StateTimeout || !got.IsTimeout {
		t.Fatalf("state = %s", got.JobStatus)
	}
	last := e.statuses(t, run.GUID)
	if st := last[len(last)-1]; st.State != models.StateFailed {
		t.Errorf("timeout recorded as %s, want FAILED", st.State)
	}

	before := len(last)
	e.host.Reply("sacct", "7|RUNNING|0:0")
	e.manager.Handle(ctx, PollTask{GUID: run.GUID})
	if got := e.run(t, run.GUID); got.JobStatus != models.StateTimeout {
		t.Errorf("terminal run regressed to %s", got.JobStatus)
	}
	if n := len(e.statuses(t, run.GUID)); n != before {
		t.Errorf("poll appended %d statuses to a terminal run", n-before)
	}
}

func TestCallback(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.host.Reply("sbatch", "Submitted batch job 99")
	run, err := e.manager.Create(ctx, CreateRequest{Username: "alice", Agent: "Cluster", Config: baseConfig()})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	run = e.run(t, run.GUID)

	if err := e.manager.Callback(ctx, run.GUID, "forged", Callback{State: 3, Description: "x"}); !perr.IsCode(err, perr.CodeForbidden) {
		t.Fatalf("forged token err = %v", err)
	}
	if err := e.manager.Callback(ctx, run.GUID, run.Token, Callback{State: 9}); !perr.IsCode(err, perr.CodeValidation) {
		t.Fatalf("bad state err = %v", err)
	}

	before := len(e.statuses(t, run.GUID))
	desc := "Pulling image<br>INFO: old time stamp\nINFO: Cache folder set\n\nRunning workflow"
	if err := e.manager.Callback(ctx, run.GUID, run.Token, Callback{State: 3, Description: desc}); err != nil {
		t.Fatalf("Callback failed: %v", err)
	}
	statuses := e.statuses(t, run.GUID)
	added := statuses[before:]
	if len(added) != 2 || added[0].Description != "Pulling image" || added[1].Description != "Running workflow" {
		t.Fatalf("added statuses = %+v", added)
	}
	if added[0].Location != "Cluster" {
		t.Errorf("location = %s, want Cluster", added[0].Location)
	}

	before = len(e.statuses(t, run.GUID))
	if err := e.manager.Callback(ctx, run.GUID, run.Token, Callback{State: 4, Description: "Requeued"}); err != nil {
		t.Fatalf("stale callback failed: %v", err)
	}
	added = e.statuses(t, run.GUID)[before:]
	if len(added) != 1 || added[0].Description != "Requeued" || added[0].State != models.StateRunning {
		t.Errorf("stale callback statuses = %+v, want one RUNNING note", added)
	}
	if got := e.run(t, run.GUID); got.JobStatus != models.StateRunning {
		t.Errorf("stale callback moved run to %s", got.JobStatus)
	}

	if err := e.manager.Callback(ctx, run.GUID, run.Token, Callback{State: 1, Description: "Done"}); err != nil {
		t.Fatalf("completion callback failed: %v", err)
	}
	got := e.run(t, run.GUID)
	if got.JobStatus != models.StateCompleted {
		t.Fatalf("state = %s", got.JobStatus)
	}
	if !hasStatus(e.statuses(t, run.GUID), models.StateCompleted, "Collected") {
		t.Error("completion callback did not collect")
	}

	err = e.manager.Callback(ctx, run.GUID, run.Token, Callback{State: 3, Description: "late"})
	if !perr.IsCode(err, perr.CodeConflict) {
		t.Errorf("late callback err = %v, want conflict", err)
	}
	if hasStatus(e.statuses(t, run.GUID), models.StateRunning, "late") {
		t.Error("terminal run accepted a non-terminal status")
	}
}

func TestCancel_MatchesJobIDExactly(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.host.Reply("sbatch", "Submitted batch job 12")
	run, err := e.manager.Create(ctx, CreateRequest{Username: "alice", Agent: "Cluster", Config: baseConfig()})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	e.host.Reply("squeue", "123|RUNNING|1:00")
	if err := e.manager.Cancel(ctx, run.GUID, "alice"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if e.host.Ran("scancel") {
		t.Fatal("cancelled job 123 while cancelling 12")
	}
	if got := e.run(t, run.GUID); got.JobStatus != models.StateRunning {
		t.Fatalf("absent job changed state to %s", got.JobStatus)
	}

	e.host.Reply("squeue", "123|RUNNING|1:00", "12|RUNNING|0:30")
	if err := e.manager.Cancel(ctx, run.GUID, "alice"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if !e.host.Ran("scancel 12") {
		t.Fatal("scancel 12 not issued")
	}
	got := e.run(t, run.GUID)
	if got.JobStatus != models.StateCancelled || !got.IsCancelled {
		t.Fatalf("state = %s", got.JobStatus)
	}
	if err := e.manager.Cancel(ctx, run.GUID, "alice"); !perr.IsCode(err, perr.CodeConflict) {
		t.Errorf("second cancel err = %v, want conflict", err)
	}
	if err := e.manager.Cancel(ctx, run.GUID, "mallory"); !perr.IsCode(err, perr.CodeNotFound) {
		t.Errorf("foreign cancel err = %v, want not found", err)
	}
}

func TestSubmitFailureMarksRunFailed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.host.Fail("sbatch", "sbatch: error: invalid partition specified")

	run, err := e.manager.Create(ctx, CreateRequest{Username: "alice", Agent: "Cluster", Config: baseConfig()})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	got := e.run(t, run.GUID)
	if got.JobStatus != models.StateFailed || !got.IsFailure {
		t.Fatalf("state = %s", got.JobStatus)
	}
	if !hasStatus(e.statuses(t, run.GUID), models.StateFailed, "Failed to submit") {
		t.Error("failure diagnostic not recorded")
	}
	if !e.host.Balanced() {
		t.Error("ssh session left open after failure")
	}
}

func TestSandboxScriptFailureMarksRunFailed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.host.Fail("./template_local_run.sh", "workflow crashed")

	run, err := e.manager.Create(ctx, CreateRequest{Username: "alice", Agent: "Sandbox", Config: baseConfig()})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	got := e.run(t, run.GUID)
	if got.JobStatus != models.StateFailed || !got.IsFailure {
		t.Fatalf("state after failing sandbox script = %s, want FAILED", got.JobStatus)
	}
	statuses := e.statuses(t, run.GUID)
	if !hasStatus(statuses, models.StateFailed, "workflow crashed") {
		t.Error("script stderr not recorded in the failure status")
	}
	for _, st := range statuses {
		if st.State == models.StateCompleted || strings.Contains(st.Description, "Collected") {
			t.Errorf("failed sandbox run went on to %s %q", st.State, st.Description)
		}
	}
	if !e.host.Balanced() {
		t.Error("ssh session left open after failure")
	}
}

func TestStart_SingleWorkerRunsFollowUps(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.host.On("./template_local_run.sh", func(cmd remote.Command) ([]string, error) {
		e.host.Put(path.Join(cmd.Dir, path.Base(cmd.Dir)+".zip"), []byte("zip"))
		return []string{"done"}, nil
	})
	e.host.On("test -e", func(cmd remote.Command) ([]string, error) {
		if _, ok := e.host.File(strings.Fields(cmd.Cmd)[2]); ok {
			return []string{"exists"}, nil
		}
		return nil, nil
	})

	if err := e.manager.Start(1); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = e.manager.Close(time.Second) })

	run, err := e.manager.Create(ctx, CreateRequest{Username: "alice", Agent: "Sandbox", Config: baseConfig()})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !hasStatus(e.statuses(t, run.GUID), models.StateCompleted, "Collected") {
		if time.Now().After(deadline) {
			t.Fatalf("run never collected; statuses = %+v", e.statuses(t, run.GUID))
		}
		time.Sleep(20 * time.Millisecond)
	}
	got := e.run(t, run.GUID)
	if got.JobStatus != models.StateCompleted {
		t.Errorf("state = %s", got.JobStatus)
	}
	found := false
	for _, o := range got.Results {
		if o.Name == run.GUID+".zip" && o.Exists {
			found = true
		}
	}
	if !found {
		t.Errorf("zip not in results: %+v", got.Results)
	}
}

func TestSubmitUnparseableJobID(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.host.Reply("sbatch", "sbatch: queued")
	run, err := e.manager.Create(ctx, CreateRequest{Username: "alice", Agent: "Cluster", Config: baseConfig()})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	got := e.run(t, run.GUID)
	if got.JobStatus != models.StateFailed || got.JobID != "" {
		t.Fatalf("state=%s job=%q", got.JobStatus, got.JobID)
	}
}

func TestCreate_MissingCommand(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cfg := baseConfig()
	delete(cfg, "command")

	run, err := e.manager.Create(ctx, CreateRequest{Username: "alice", Agent: "Sandbox", Config: cfg})
	if run != nil || err == nil {
		t.Fatalf("Create = %v, %v; want error", run, err)
	}
	var verr *flow.ValidationError
	if !errors.As(err, &verr) || !perr.IsCode(err, perr.CodeValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if !strings.Contains(err.Error(), "Missing attribute 'command'") {
		t.Errorf("err = %v", err)
	}
	if e.host.Connects() != 0 {
		t.Error("remote contacted for an invalid config")
	}
	if runs, _ := e.store.ListRuns(ctx, models.RunFilter{}); len(runs) != 0 {
		t.Errorf("%d runs persisted", len(runs))
	}
}

func TestCreate_AccessChecks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cases := map[string]perr.Code{
		"Private": perr.CodeForbidden,
		"Retired": perr.CodeForbidden,
		"Missing": perr.CodeNotFound,
	}
	for agent, code := range cases {
		_, err := e.manager.Create(ctx, CreateRequest{Username: "alice", Agent: agent, Config: baseConfig()})
		if !perr.IsCode(err, code) {
			t.Errorf("%s: err = %v, want %s", agent, err, code)
		}
	}

	if err := e.store.SavePolicy(ctx, &models.AgentAccessPolicy{AgentName: "Private", Username: "alice", Role: models.RoleUse}); err != nil {
		t.Fatalf("SavePolicy failed: %v", err)
	}
	e.host.Reply("sbatch", "Submitted batch job 1")
	if _, err := e.manager.Create(ctx, CreateRequest{Username: "alice", Agent: "Private", Config: baseConfig()}); err != nil {
		t.Errorf("policy holder rejected: %v", err)
	}
}

func TestCreate_FetchesWorkflowConfig(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cfg := baseConfig()
	cfg["logo"] = "logo.png"
	cfg["tags"] = []any{"roots"}
	e.workflows.config = cfg
	e.host.Reply("./template_local_run.sh")

	run, err := e.manager.Create(ctx, CreateRequest{
		Username: "alice",
		Agent:    "Sandbox",
		Workflow: github.Workflow{Owner: "computational-plant-science", Name: "dirt"},
		Tags:     []string{"maize", "roots"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if e.workflows.calls != 1 {
		t.Errorf("fetched %d times", e.workflows.calls)
	}
	got := e.run(t, run.GUID)
	if got.WorkflowImageURL != "https://raw.example/computational-plant-science/dirt/logo.png" {
		t.Errorf("image url = %s", got.WorkflowImageURL)
	}
	if strings.Join(got.Tags, ",") != "maize,roots" {
		t.Errorf("tags = %v", got.Tags)
	}
}

func TestCreate_Delayed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	run, err := e.manager.Create(ctx, CreateRequest{
		Username: "alice",
		Agent:    "Sandbox",
		Config:   baseConfig(),
		Delay:    &Delay{Value: 2, Units: "Hours"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if e.scheduler.Pending() != 1 {
		t.Errorf("pending = %d, want 1", e.scheduler.Pending())
	}
	if e.host.Connects() != 0 {
		t.Error("delayed run submitted immediately")
	}
	if got := e.run(t, run.GUID); got.JobStatus != models.StateCreated {
		t.Errorf("state = %s", got.JobStatus)
	}
	if !hasStatus(e.statuses(t, run.GUID), models.StateCreated, "Scheduled for") {
		t.Error("schedule not recorded")
	}

	_, err = e.manager.Create(ctx, CreateRequest{
		Username: "alice", Agent: "Sandbox", Config: baseConfig(), Delay: &Delay{Value: 1, Units: "Weeks"},
	})
	if !perr.IsCode(err, perr.CodeValidation) {
		t.Errorf("bad units err = %v", err)
	}
}

func TestCleanup(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.host.Reply("sbatch", "Submitted batch job 5")
	run, err := e.manager.Create(ctx, CreateRequest{Username: "alice", Agent: "Cluster", Config: baseConfig()})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := e.manager.Cleanup(ctx, run.GUID, "alice"); !perr.IsCode(err, perr.CodeConflict) {
		t.Fatalf("cleanup of active run err = %v", err)
	}

	e.host.Reply("sacct", "5|FAILED|1:0")
	e.manager.Handle(ctx, PollTask{GUID: run.GUID})
	if err := e.manager.Cleanup(ctx, run.GUID, "alice"); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if !e.host.Ran("rm -rf /scratch/" + run.GUID) {
		t.Error("remote directory not removed")
	}
	got := e.run(t, run.GUID)
	if !got.CleanedUp || got.JobStatus != models.StateFailed {
		t.Errorf("cleaned_up=%v state=%s", got.CleanedUp, got.JobStatus)
	}
}

func TestSweep(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.host.Reply("./template_local_run.sh")

	old, err := e.manager.Create(ctx, CreateRequest{Username: "alice", Agent: "Sandbox", Config: baseConfig()})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	fresh, err := e.manager.Create(ctx, CreateRequest{Username: "alice", Agent: "Sandbox", Config: baseConfig()})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	stale := e.run(t, old.GUID)
	stale.Created = time.Now().UTC().Add(-31 * 24 * time.Hour)
	if err := e.store.UpdateRun(ctx, stale, "created"); err != nil {
		t.Fatalf("UpdateRun failed: %v", err)
	}

	if err := e.manager.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if _, err := e.store.GetRun(ctx, old.GUID); !perr.IsCode(err, perr.CodeNotFound) {
		t.Errorf("expired run survived: %v", err)
	}
	if _, err := e.bridge.ReadLog(old.GUID); err == nil {
		t.Error("expired run log survived")
	}
	if _, err := e.store.GetRun(ctx, fresh.GUID); err != nil {
		t.Errorf("fresh run swept: %v", err)
	}
}

func TestPollActive_Backoff(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.host.Reply("sbatch", "Submitted batch job 31")
	run, err := e.manager.Create(ctx, CreateRequest{Username: "alice", Agent: "Cluster", Config: baseConfig()})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	e.host.Reply("sacct", "31|RUNNING|0:0")

	// submission pushed the first poll one interval out
	e.manager.PollActive(ctx)
	if e.host.Ran("sacct") {
		t.Fatal("polled before the first interval elapsed")
	}
	e.manager.forgetPoll(run.GUID)
	e.manager.PollActive(ctx)
	if !e.host.Ran("sacct") {
		t.Fatal("due run not polled")
	}
}

func TestAgents_VisibleToUser(t *testing.T) {
	e := newEnv(t)
	agents, err := e.manager.Agents(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Agents failed: %v", err)
	}
	var names []string
	for _, a := range agents {
		names = append(names, a.Name)
	}
	if strings.Join(names, ",") != "Cluster,Sandbox" {
		t.Errorf("agents = %v, want [Cluster Sandbox]", names)
	}
}
