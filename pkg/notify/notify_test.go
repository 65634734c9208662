package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db/models"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/plog"
)

// fakeStore mimics the transactional write: the status is kept only when
// publish succeeds.
type fakeStore struct {
	statuses []*models.Status
}

func (s *fakeStore) WriteStatus(ctx context.Context, w models.StatusWrite, publish func(context.Context) error) error {
	if publish != nil {
		if err := publish(ctx); err != nil {
			return err
		}
	}
	s.statuses = append(s.statuses, w.Status)
	return nil
}

type recorder struct {
	updates []Update
	err     error
}

func (r *recorder) Publish(_ context.Context, u Update) error {
	if r.err != nil {
		return r.err
	}
	r.updates = append(r.updates, u)
	return nil
}

func testWrite(desc string) models.StatusWrite {
	run := &models.Run{GUID: "abc", Username: "alice", JobStatus: models.StateRunning}
	return models.StatusWrite{
		Run:     run,
		Columns: models.StateColumns,
		Status:  &models.Status{State: models.StateRunning, Description: desc},
	}
}

func TestBridge_RecordPublishesAndLogs(t *testing.T) {
	store := &fakeStore{}
	pub := &recorder{}
	b := NewBridge(store, pub, WithLogDir(t.TempDir()), WithLogger(plog.Discard()))

	ctx := context.Background()
	if err := b.Record(ctx, testWrite("Submitted")); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := b.Record(ctx, testWrite("Job 12 is RUNNING")); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if len(store.statuses) != 2 || len(pub.updates) != 2 {
		t.Fatalf("statuses=%d updates=%d, want 2 each", len(store.statuses), len(pub.updates))
	}
	st := store.statuses[0]
	if st.Location != models.LocationOrchestrator || st.RunGUID != "abc" || st.Date.IsZero() {
		t.Errorf("status defaults not applied: %+v", st)
	}
	if pub.updates[1].Username != "alice" || pub.updates[1].Status.Description != "Job 12 is RUNNING" {
		t.Errorf("unexpected update: %+v", pub.updates[1])
	}

	lines, err := b.ReadLog("abc")
	if err != nil {
		t.Fatalf("ReadLog failed: %v", err)
	}
	if len(lines) != 2 || lines[0] != "Submitted" || lines[1] != "Job 12 is RUNNING" {
		t.Errorf("log = %q", lines)
	}
}

func TestBridge_PublishFailureSkipsLog(t *testing.T) {
	store := &fakeStore{}
	pub := &recorder{err: errors.New("broker down")}
	b := NewBridge(store, pub, WithLogDir(t.TempDir()), WithLogger(plog.Discard()))

	if err := b.Record(context.Background(), testWrite("Submitted")); err == nil {
		t.Fatal("expected publish error")
	}
	if len(store.statuses) != 0 {
		t.Errorf("status persisted despite publish failure")
	}
	if _, err := b.ReadLog("abc"); err == nil {
		t.Errorf("log written despite publish failure")
	}
}

func TestBridge_RemoveLogs(t *testing.T) {
	b := NewBridge(&fakeStore{}, Discard{}, WithLogDir(t.TempDir()), WithLogger(plog.Discard()))
	if err := b.Record(context.Background(), testWrite("Submitted")); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := b.WriteContainerLog("abc", "Sandbox", []byte("out\n")); err != nil {
		t.Fatalf("WriteContainerLog failed: %v", err)
	}
	if !strings.HasSuffix(b.ContainerLogPath("abc", "Sandbox"), "abc.sandbox.log") {
		t.Errorf("container log path = %s", b.ContainerLogPath("abc", "Sandbox"))
	}
	if err := b.RemoveLogs("abc"); err != nil {
		t.Fatalf("RemoveLogs failed: %v", err)
	}
	if _, err := b.ReadLog("abc"); err == nil {
		t.Errorf("submission log survived RemoveLogs")
	}
}

func TestFanout_JoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("nope")}
	err := Fanout{ok, bad}.Publish(context.Background(), Update{Username: "alice"})
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("err = %v", err)
	}
	if len(ok.updates) != 1 {
		t.Errorf("healthy publisher skipped")
	}
}

func TestSubject(t *testing.T) {
	if got := Subject("alice"); got != "plantit.runs.alice" {
		t.Errorf("Subject = %s", got)
	}
}

func TestHub_DeliversToOwner(t *testing.T) {
	hub := NewHub(plog.Discard())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query().Get("user"))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=alice"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers("alice") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx := context.Background()
	_ = hub.Publish(ctx, Update{Username: "bob", Run: &models.Run{GUID: "other"}})
	if err := hub.Publish(ctx, Update{Username: "alice", Run: &models.Run{GUID: "mine"}}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	var got Update
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.Run.GUID != "mine" {
		t.Errorf("received run %s, want mine", got.Run.GUID)
	}
}
