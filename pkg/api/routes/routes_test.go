package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/api/schemas"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/api/services"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/api/services/iam"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/artifacts"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db/models"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/kv"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/notify"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/plog"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/remote"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/remote/remotetest"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/results"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/runs"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/script"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fixture struct {
	api   humatest.TestAPI
	host  *remotetest.Host
	store *db.Store
	iam   *iam.IAMService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := plog.Discard()

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
	for _, u := range []*models.User{{Username: "alice", Email: "alice@example.org"}, {Username: "bob", Email: "bob@example.org"}} {
		if err := store.SaveUser(ctx, u); err != nil {
			t.Fatalf("SaveUser failed: %v", err)
		}
	}
	for _, a := range []*models.Agent{
		{Name: "Sandbox", Hostname: "sandbox", Port: 22, Username: "plantit", WorkDir: "/work",
			Executor: models.ExecutorLocal, Owner: "alice", MaxNodes: 1},
		{Name: "Cluster", Hostname: "hpc", Port: 22, Username: "svc", WorkDir: "/scratch",
			Executor: models.ExecutorSlurm, Public: true, MaxNodes: 2, Callbacks: true},
	} {
		if err := store.SaveAgent(ctx, a); err != nil {
			t.Fatalf("SaveAgent failed: %v", err)
		}
	}

	hub := notify.NewHub(logger)
	bridge := notify.NewBridge(store, hub, notify.WithLogDir(t.TempDir()), notify.WithLogger(logger))
	composer, err := script.New(script.Config{})
	if err != nil {
		t.Fatalf("script.New failed: %v", err)
	}
	tokens, err := runs.NewTokens(testSecret)
	if err != nil {
		t.Fatalf("NewTokens failed: %v", err)
	}
	host := remotetest.NewHost()
	host.On("test -e", func(cmd remote.Command) ([]string, error) {
		if _, ok := host.File(strings.Fields(cmd.Cmd)[2]); ok {
			return []string{"exists"}, nil
		}
		return nil, nil
	})
	collector := results.New(kv.NewMemoryStore(), artifacts.NewMemoryStore(), results.WithLogger(logger))
	manager := runs.New(store, bridge, host, composer, collector, tokens,
		runs.WithLogger(logger),
		runs.WithCallbackURL("https://plantit.example.org"),
		runs.WithClock(func() time.Time { return time.Now().UTC() }),
	)
	t.Cleanup(func() { manager.Close(time.Second) })

	svcs := &services.Services{IAM: iam.NewIAMService(testSecret, logger), Runs: manager, Hub: hub}
	_, api := humatest.New(t)
	RegisterAPI(api, svcs, logger)
	return &fixture{api: api, host: host, store: store, iam: svcs.IAM}
}

func (f *fixture) auth(t *testing.T, username string) string {
	t.Helper()
	token, err := f.iam.IssueToken(&schemas.User{Username: username}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	return "Authorization: Bearer " + token
}

func config() map[string]any {
	return map[string]any{
		"image":   "docker://alpine",
		"workdir": "/opt",
		"command": "echo hello > out.txt",
		"output":  map[string]any{"include": map[string]any{"names": []any{"out.txt"}}},
	}
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatalf("failed to decode %s: %v", body, err)
	}
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp := f.api.Get("/healthz")
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "ok") {
		t.Errorf("healthz = %d %s", resp.Code, resp.Body.String())
	}
}

func TestMe(t *testing.T) {
	f := newFixture(t)
	if resp := f.api.Get("/api/me"); resp.Code != http.StatusUnauthorized {
		t.Errorf("anonymous /api/me = %d", resp.Code)
	}
	if resp := f.api.Get("/api/me", "Authorization: Bearer not-a-token"); resp.Code != http.StatusUnauthorized {
		t.Errorf("bad token /api/me = %d", resp.Code)
	}
	resp := f.api.Get("/api/me", f.auth(t, "alice"))
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"username":"alice"`) {
		t.Errorf("/api/me = %d %s", resp.Code, resp.Body.String())
	}
}

func TestSubmitRun_Sandbox(t *testing.T) {
	f := newFixture(t)
	f.host.On("./template_local_run.sh", func(cmd remote.Command) ([]string, error) {
		f.host.Put(path.Join(cmd.Dir, "out.txt"), []byte("hello\n"))
		return nil, nil
	})

	resp := f.api.Post("/api/runs", f.auth(t, "alice"), map[string]any{
		"agent":    "Sandbox",
		"workflow": map[string]any{"owner": "alice", "name": "hello"},
		"config":   config(),
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("submit = %d %s", resp.Code, resp.Body.String())
	}
	run := decode[schemas.RunResponse](t, resp.Body.Bytes())
	if run.Owner != "alice" || run.Agent != "Sandbox" {
		t.Errorf("run = %+v", run)
	}

	resp = f.api.Get("/api/runs/"+run.GUID, f.auth(t, "alice"))
	got := decode[schemas.RunResponse](t, resp.Body.Bytes())
	if got.JobStatus != "COMPLETED" {
		t.Errorf("job_status = %s", got.JobStatus)
	}
	if resp := f.api.Get("/api/runs/"+run.GUID, f.auth(t, "bob")); resp.Code != http.StatusNotFound {
		t.Errorf("foreign get = %d", resp.Code)
	}

	resp = f.api.Get("/api/runs/"+run.GUID+"/outputs", f.auth(t, "alice"))
	outputs := decode[struct {
		Outputs []models.Output `json:"outputs"`
	}](t, resp.Body.Bytes()).Outputs
	var found bool
	for _, o := range outputs {
		if o.Name == "out.txt" {
			found = o.Exists && o.Key != ""
		}
	}
	if !found {
		t.Fatalf("out.txt not collected: %+v", outputs)
	}

	resp = f.api.Get("/api/runs/"+run.GUID+"/outputs/out.txt/url", f.auth(t, "alice"))
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "mem://") {
		t.Errorf("output url = %d %s", resp.Code, resp.Body.String())
	}
	if resp := f.api.Get("/api/runs/"+run.GUID+"/outputs/missing.txt/url", f.auth(t, "alice")); resp.Code != http.StatusNotFound {
		t.Errorf("missing output url = %d", resp.Code)
	}

	resp = f.api.Get("/api/runs/"+run.GUID+"/logs", f.auth(t, "alice"))
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "Created run") {
		t.Errorf("logs = %d %s", resp.Code, resp.Body.String())
	}

	resp = f.api.Get("/api/runs", f.auth(t, "alice"))
	list := decode[struct {
		Runs []schemas.RunResponse `json:"runs"`
	}](t, resp.Body.Bytes()).Runs
	if len(list) != 1 || list[0].GUID != run.GUID {
		t.Errorf("list = %+v", list)
	}

	if resp := f.api.Delete("/api/runs/"+run.GUID, f.auth(t, "alice")); resp.Code != http.StatusConflict {
		t.Errorf("cancel of completed run = %d", resp.Code)
	}
	if resp := f.api.Post("/api/runs/"+run.GUID+"/cleanup", f.auth(t, "alice")); resp.Code != http.StatusAccepted {
		t.Errorf("cleanup = %d %s", resp.Code, resp.Body.String())
	}
}

func TestSubmitRun_Errors(t *testing.T) {
	f := newFixture(t)
	cfg := config()
	delete(cfg, "command")

	resp := f.api.Post("/api/runs", f.auth(t, "alice"), map[string]any{"agent": "Sandbox", "workflow": map[string]any{"owner": "alice", "name": "hello"}, "config": cfg})
	if resp.Code != http.StatusBadRequest || !strings.Contains(resp.Body.String(), "Missing attribute 'command'") {
		t.Errorf("missing command = %d %s", resp.Code, resp.Body.String())
	}
	if f.host.Connects() != 0 {
		t.Error("remote contacted for an invalid config")
	}

	resp = f.api.Post("/api/runs", f.auth(t, "bob"), map[string]any{"agent": "Sandbox", "workflow": map[string]any{"owner": "alice", "name": "hello"}, "config": config()})
	if resp.Code != http.StatusForbidden {
		t.Errorf("private agent = %d %s", resp.Code, resp.Body.String())
	}

	resp = f.api.Post("/api/runs", f.auth(t, "alice"), map[string]any{"agent": "Nowhere", "workflow": map[string]any{"owner": "alice", "name": "hello"}, "config": config()})
	if resp.Code != http.StatusNotFound {
		t.Errorf("unknown agent = %d", resp.Code)
	}

	resp = f.api.Post("/api/runs", map[string]any{"agent": "Sandbox", "workflow": map[string]any{"owner": "alice", "name": "hello"}, "config": config()})
	if resp.Code != http.StatusUnauthorized {
		t.Errorf("anonymous submit = %d", resp.Code)
	}
}

func TestCallback(t *testing.T) {
	f := newFixture(t)
	f.host.Reply("sbatch", "Submitted batch job 77")
	cfg := config()
	cfg["resources"] = map[string]any{"time": "01:00:00", "cores": 1, "mem": "1GB"}

	resp := f.api.Post("/api/runs", f.auth(t, "alice"), map[string]any{
		"agent":    "Cluster",
		"workflow": map[string]any{"owner": "alice", "name": "hello"},
		"config":   cfg,
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("submit = %d %s", resp.Code, resp.Body.String())
	}
	guid := decode[schemas.RunResponse](t, resp.Body.Bytes()).GUID
	stored, err := f.store.GetRun(context.Background(), guid)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	statusPath := "/api/runs/" + guid + "/status"

	if resp := f.api.Post(statusPath, "Authorization: Bearer "+stored.Token, map[string]any{"state": 3}); resp.Code != http.StatusUnauthorized {
		t.Errorf("bearer scheme = %d", resp.Code)
	}
	if resp := f.api.Post(statusPath, "Authorization: Token forged", map[string]any{"state": 3}); resp.Code != http.StatusForbidden {
		t.Errorf("forged token = %d", resp.Code)
	}
	if resp := f.api.Post(statusPath, "Authorization: Token "+stored.Token, map[string]any{"state": 7}); resp.Code != http.StatusBadRequest {
		t.Errorf("bad state = %d", resp.Code)
	}

	resp = f.api.Post(statusPath, "Authorization: Token "+stored.Token, map[string]any{"state": 3, "description": "Pulling image<br>Running"})
	if resp.Code != http.StatusNoContent {
		t.Fatalf("callback = %d %s", resp.Code, resp.Body.String())
	}
	resp = f.api.Post(statusPath, "Authorization: Token "+stored.Token, map[string]any{"state": 2, "description": "Container exited 1"})
	if resp.Code != http.StatusNoContent {
		t.Fatalf("failure callback = %d %s", resp.Code, resp.Body.String())
	}
	if resp := f.api.Post(statusPath, "Authorization: Token "+stored.Token, map[string]any{"state": 3}); resp.Code != http.StatusConflict {
		t.Errorf("callback after terminal = %d", resp.Code)
	}

	resp = f.api.Get("/api/runs/"+guid+"/statuses", f.auth(t, "alice"))
	statuses := decode[struct {
		Statuses []schemas.StatusResponse `json:"statuses"`
	}](t, resp.Body.Bytes()).Statuses
	var remote []string
	for _, s := range statuses {
		if s.Location == "Cluster" {
			remote = append(remote, s.Description)
		}
	}
	if strings.Join(remote, "|") != "Pulling image|Running|Container exited 1" {
		t.Errorf("remote statuses = %q", remote)
	}
	if last := statuses[len(statuses)-1]; last.State != "FAILED" {
		t.Errorf("last status = %+v", last)
	}
}

func TestListAgents(t *testing.T) {
	f := newFixture(t)
	resp := f.api.Get("/api/agents", f.auth(t, "bob"))
	agents := decode[struct {
		Agents []schemas.AgentResponse `json:"agents"`
	}](t, resp.Body.Bytes()).Agents
	if len(agents) != 1 || agents[0].Name != "Cluster" {
		t.Errorf("bob sees %+v", agents)
	}

	resp = f.api.Get("/api/agents", f.auth(t, "alice"))
	agents = decode[struct {
		Agents []schemas.AgentResponse `json:"agents"`
	}](t, resp.Body.Bytes()).Agents
	if len(agents) != 2 {
		t.Errorf("alice sees %+v", agents)
	}
}

func TestOpenAPIWithoutServices(t *testing.T) {
	_, api := humatest.New(t)
	RegisterAPI(api, nil, plog.Discard())
	if resp := api.Get("/api/runs"); resp.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured list = %d", resp.Code)
	}
	paths := api.OpenAPI().Paths
	for _, p := range []string{"/api/runs", "/api/runs/{guid}", "/api/runs/{guid}/status", "/api/agents", "/healthz"} {
		if _, ok := paths[p]; !ok {
			t.Errorf("operation %s not registered", p)
		}
	}
}
