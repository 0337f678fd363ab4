package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TobiSchelling/ToolPulse/internal/database"
)

func sampleJob() *database.Job {
	return &database.Job{
		ID:     "job-1",
		Status: database.JobRunning,
		Progress: database.JobProgress{
			TotalCount: 200, ProcessedCount: 100, Percentage: 50, LastCheckpointID: "t3_100",
		},
		Statistics: database.JobStatistics{ToolsDetected: map[string]int{"cursor": 4}},
	}
}

func TestEventForSnapshotsJob(t *testing.T) {
	j := sampleJob()
	e := EventFor(EventProgress, j)
	j.Statistics.ToolsDetected["cursor"] = 99
	j.Progress.ProcessedCount = 150

	if e.Statistics.ToolsDetected["cursor"] != 4 {
		t.Errorf("expected snapshot count 4, got %d", e.Statistics.ToolsDetected["cursor"])
	}
	if e.Progress.ProcessedCount != 100 {
		t.Errorf("expected snapshot processed 100, got %d", e.Progress.ProcessedCount)
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	n := LogNotifier{Logger: logger}

	j := sampleJob()
	j.Status = database.JobFailed
	j.Error = "storage unreachable"
	n.Notify(context.Background(), EventFor(EventFailed, j))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected JSON log record: %v", err)
	}
	if record["level"] != "ERROR" {
		t.Errorf("expected ERROR level, got %v", record["level"])
	}
	if record["job_id"] != "job-1" {
		t.Errorf("expected job_id job-1, got %v", record["job_id"])
	}
	if record["error"] != "storage unreachable" {
		t.Errorf("expected error attr, got %v", record["error"])
	}
}

type recorder struct{ events []Event }

func (r *recorder) Notify(_ context.Context, e Event) { r.events = append(r.events, e) }

func TestMultiFansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Multi{a, nil, b, Nop{}}.Notify(context.Background(), EventFor(EventStarted, sampleJob()))
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("expected each notifier to get 1 event, got %d and %d", len(a.events), len(b.events))
	}
}

func TestHubBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(nil)
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Notify(ctx, EventFor(EventCompleted, sampleJob()))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != EventCompleted || got.JobID != "job-1" {
		t.Errorf("unexpected event: %+v", got)
	}
}
