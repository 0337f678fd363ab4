package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr(s string) *string { return &s }

func insertDoc(t *testing.T, db *DB, id string, content *string, tools []string, published time.Time) {
	t.Helper()
	ok, err := db.InsertDocument(context.Background(), &Document{
		ID:              id,
		Source:          "r/test",
		Title:           "Post " + id,
		URL:             "https://www.reddit.com/r/test/comments/" + id,
		Content:         content,
		PublishedAt:     &published,
		DetectedToolIDs: tools,
	})
	if err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
	if !ok {
		t.Fatalf("expected %s to be inserted", id)
	}
}

func TestInsertDuplicateDocument(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	insertDoc(t, db, "t3_a", ptr("first"), nil, time.Now())

	ok, err := db.InsertDocument(ctx, &Document{ID: "t3_a", Title: "again"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected duplicate insert to be ignored")
	}

	doc, _ := db.GetDocument(ctx, "t3_a")
	if doc.Title != "Post t3_a" {
		t.Errorf("expected original title, got %q", doc.Title)
	}
}

func TestUpsertDocumentIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	insertDoc(t, db, "t3_a", ptr("cursor is great"), nil, time.Now())

	doc, err := db.GetDocument(ctx, "t3_a")
	if err != nil || doc == nil {
		t.Fatalf("expected document, got %v (err %v)", doc, err)
	}
	analyzed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	doc.DetectedToolIDs = []string{"cursor"}
	doc.AnalysisVersion++
	doc.LastAnalyzedAt = &analyzed

	for i := 0; i < 2; i++ {
		if err := db.UpsertDocument(ctx, doc); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	got, _ := db.GetDocument(ctx, "t3_a")
	if len(got.DetectedToolIDs) != 1 || got.DetectedToolIDs[0] != "cursor" {
		t.Errorf("expected [cursor], got %v", got.DetectedToolIDs)
	}
	if got.AnalysisVersion != 1 {
		t.Errorf("expected analysis_version 1, got %d", got.AnalysisVersion)
	}
	if got.LastAnalyzedAt == nil || !got.LastAnalyzedAt.Equal(analyzed) {
		t.Errorf("expected last_analyzed_at %v, got %v", analyzed, got.LastAnalyzedAt)
	}
}

func TestGetMissingDocument(t *testing.T) {
	db := openTestDB(t)
	doc, err := db.GetDocument(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc != nil {
		t.Error("expected nil for missing document")
	}
}

func TestListDocumentsKeysetPagination(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 7; i++ {
		insertDoc(t, db, fmt.Sprintf("t3_%02d", i), ptr("text"), nil, now)
	}

	var seen []string
	q := DocumentQuery{Limit: 3}
	for {
		page, err := db.ListDocuments(ctx, q)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, d := range page {
			seen = append(seen, d.ID)
		}
		q.AfterID = page[len(page)-1].ID
	}

	if len(seen) != 7 {
		t.Fatalf("expected 7 documents, got %d", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Errorf("expected ascending ids, got %s after %s", seen[i], seen[i-1])
		}
	}
}

func TestListDocumentsFilters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	jan := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	insertDoc(t, db, "t3_a", ptr("a"), []string{"cursor"}, jan)
	insertDoc(t, db, "t3_b", ptr("b"), []string{"copilot", "cursor"}, feb)
	insertDoc(t, db, "t3_c", ptr("c"), []string{"aider"}, mar)

	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	docs, err := db.ListDocuments(ctx, DocumentQuery{From: &from})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(docs) != 2 {
		t.Errorf("expected 2 documents after Feb 1, got %d", len(docs))
	}

	docs, _ = db.ListDocuments(ctx, DocumentQuery{ToolIDs: []string{"cursor"}})
	if len(docs) != 2 {
		t.Errorf("expected 2 documents mentioning cursor, got %d", len(docs))
	}

	to := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	n, err := db.CountDocuments(ctx, DocumentQuery{From: &from, To: &to, ToolIDs: []string{"cursor", "aider"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 document, got %d", n)
	}
}

func TestDocumentsNeedingFetch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	insertDoc(t, db, "t3_link", nil, nil, time.Now())
	insertDoc(t, db, "t3_self", ptr("Some text"), nil, time.Now())

	needing, err := db.GetDocumentsNeedingFetch(ctx, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(needing) != 1 || needing[0].ID != "t3_link" {
		t.Fatalf("expected only t3_link, got %v", needing)
	}

	if err := db.UpdateDocumentContent(ctx, "t3_link", ptr("Fetched content")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	doc, _ := db.GetDocument(ctx, "t3_link")
	if !doc.HasContent() || !doc.ContentFetched {
		t.Error("expected content to be fetched")
	}

	needing, _ = db.GetDocumentsNeedingFetch(ctx, 0)
	if len(needing) != 0 {
		t.Errorf("expected 0 documents needing fetch, got %d", len(needing))
	}
}

func TestToolLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.InsertTool(ctx, "cursor", "Cursor", "AI code editor", []string{"cursor ide"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	db.InsertTool(ctx, "copilot", "GitHub Copilot", "", nil)

	tool, _ := db.GetTool(ctx, "cursor")
	if tool == nil {
		t.Fatal("expected tool")
	}
	if len(tool.Keywords) != 1 || tool.Keywords[0] != "cursor ide" {
		t.Errorf("expected keywords [cursor ide], got %v", tool.Keywords)
	}

	if err := db.ToggleTool(ctx, "copilot"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	active, _ := db.ActiveToolIDs(ctx)
	if len(active) != 1 || active[0] != "cursor" {
		t.Errorf("expected [cursor] active, got %v", active)
	}

	if err := db.ToggleTool(ctx, "missing"); !errors.Is(err, ErrToolNotFound) {
		t.Errorf("expected ErrToolNotFound, got %v", err)
	}

	if err := db.SetToolActive(ctx, "copilot", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.SetToolActive(ctx, "copilot", true); err != nil {
		t.Fatalf("expected setting the same state twice to succeed, got %v", err)
	}
	active, _ = db.ActiveToolIDs(ctx)
	if len(active) != 2 {
		t.Errorf("expected 2 active tools, got %v", active)
	}
}

func TestAliasEdges(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	for _, id := range []string{"gpt4", "chatgpt", "openai"} {
		db.InsertTool(ctx, id, id, "", nil)
	}

	if err := db.AddAlias(ctx, "gpt4", "chatgpt"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.AddAlias(ctx, "chatgpt", "openai"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.AddAlias(ctx, "openai", "openai"); !errors.Is(err, ErrInvalidAlias) {
		t.Errorf("expected ErrInvalidAlias for self alias, got %v", err)
	}
	if err := db.AddAlias(ctx, "gpt4", "missing"); !errors.Is(err, ErrToolNotFound) {
		t.Errorf("expected ErrToolNotFound, got %v", err)
	}

	edges, err := db.AliasEdges(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if edges["gpt4"] != "chatgpt" || edges["chatgpt"] != "openai" {
		t.Errorf("unexpected edges: %v", edges)
	}

	db.RemoveAlias(ctx, "gpt4")
	edges, _ = db.AliasEdges(ctx)
	if _, ok := edges["gpt4"]; ok {
		t.Error("expected gpt4 edge removed")
	}
}

func TestMergeTools(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "legacy"} {
		db.InsertTool(ctx, id, id, "", nil)
	}
	db.AddAlias(ctx, "legacy", "a")
	db.AddAlias(ctx, "c", "b")

	if err := db.MergeTools(ctx, []string{"a", "b"}, "c"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	edges, _ := db.AliasEdges(ctx)
	for _, src := range []string{"a", "b", "legacy"} {
		if edges[src] != "c" {
			t.Errorf("expected %s -> c, got %q", src, edges[src])
		}
	}
	if _, ok := edges["c"]; ok {
		t.Error("expected target to have no alias edge")
	}

	active, _ := db.ActiveToolIDs(ctx)
	if len(active) != 2 {
		t.Errorf("expected 2 active tools (c, legacy), got %v", active)
	}

	if err := db.MergeTools(ctx, []string{"c"}, "c"); !errors.Is(err, ErrInvalidAlias) {
		t.Errorf("expected ErrInvalidAlias, got %v", err)
	}
}

func newJob(id string, status JobStatus) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          id,
		Status:      status,
		TriggerType: TriggerManual,
		TriggeredBy: "tester",
		Parameters:  JobParameters{BatchSize: 50, ToolIDs: []string{"cursor"}},
		Statistics:  JobStatistics{ToolsDetected: map[string]int{}},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestJobRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	j := newJob("job-1", JobQueued)
	if err := db.InsertJob(ctx, j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	start := time.Now().UTC()
	j.Status = JobRunning
	j.StartTime = &start
	j.Owner = "host:1"
	j.HeartbeatAt = &start
	j.Progress = JobProgress{TotalCount: 10, ProcessedCount: 5, Percentage: 50, LastCheckpointID: "t3_05"}
	j.Statistics.ToolsDetected["cursor"] = 3
	j.ErrorLog = []JobError{{DocID: "t3_02", Error: "boom", Timestamp: start}}
	if ok, err := db.SaveJobIf(ctx, j, JobPrecondition{Status: JobQueued}); err != nil || !ok {
		t.Fatalf("expected save to apply, got %v (err %v)", ok, err)
	}

	got, err := db.GetJob(ctx, "job-1")
	if err != nil || got == nil {
		t.Fatalf("expected job, got %v (err %v)", got, err)
	}
	if got.Status != JobRunning {
		t.Errorf("expected running, got %s", got.Status)
	}
	if got.Progress.LastCheckpointID != "t3_05" || got.Progress.ProcessedCount != 5 {
		t.Errorf("unexpected progress: %+v", got.Progress)
	}
	if got.Statistics.ToolsDetected["cursor"] != 3 {
		t.Errorf("expected cursor count 3, got %d", got.Statistics.ToolsDetected["cursor"])
	}
	if len(got.ErrorLog) != 1 || got.ErrorLog[0].DocID != "t3_02" {
		t.Errorf("unexpected error log: %v", got.ErrorLog)
	}
	if got.Parameters.BatchSize != 50 || len(got.Parameters.ToolIDs) != 1 {
		t.Errorf("unexpected parameters: %+v", got.Parameters)
	}
	if got.StartTime == nil {
		t.Error("expected start time")
	}
	if got.Owner != "host:1" || got.HeartbeatAt == nil {
		t.Errorf("expected owner host:1 with heartbeat, got %q %v", got.Owner, got.HeartbeatAt)
	}

	missing, _ := db.GetJob(ctx, "nope")
	if missing != nil {
		t.Error("expected nil for missing job")
	}
}

func TestActiveGuardRejectsSecondActiveJob(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.InsertJob(ctx, newJob("job-1", JobQueued)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := db.InsertJob(ctx, newJob("job-2", JobQueued))
	if !errors.Is(err, ErrActiveJobExists) {
		t.Fatalf("expected ErrActiveJobExists, got %v", err)
	}

	// Inactive jobs don't hold the guard.
	if err := db.InsertJob(ctx, newJob("job-3", JobCompleted)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	j, _ := db.GetJob(ctx, "job-1")
	j.Status = JobCancelled
	if ok, err := db.SaveJobIf(ctx, j, JobPrecondition{Status: JobQueued}); err != nil || !ok {
		t.Fatalf("expected save to apply, got %v (err %v)", ok, err)
	}
	if err := db.InsertJob(ctx, newJob("job-2", JobQueued)); err != nil {
		t.Fatalf("expected insert after guard release, got %v", err)
	}

	n, _ := db.CountActiveJobs(ctx)
	if n != 1 {
		t.Errorf("expected 1 active job, got %d", n)
	}
}

func TestClaimJobHasOneWinner(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	db.InsertJob(ctx, newJob("job-1", JobQueued))

	now := time.Now().UTC()
	won, err := db.ClaimJob(ctx, "job-1", "host:1", now)
	if err != nil || !won {
		t.Fatalf("expected first claim to win, got %v (err %v)", won, err)
	}
	won, err = db.ClaimJob(ctx, "job-1", "host:2", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if won {
		t.Error("expected second claim to lose")
	}

	j, _ := db.GetJob(ctx, "job-1")
	if j.Status != JobRunning || j.Owner != "host:1" {
		t.Errorf("expected running job owned by host:1, got %s %q", j.Status, j.Owner)
	}
	if j.StartTime == nil || j.HeartbeatAt == nil {
		t.Error("expected claim to set start time and heartbeat")
	}
}

func TestSaveJobIfChecksOwner(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	db.InsertJob(ctx, newJob("job-1", JobQueued))
	db.ClaimJob(ctx, "job-1", "host:1", time.Now().UTC())

	j, _ := db.GetJob(ctx, "job-1")
	j.Progress.ProcessedCount = 7
	if ok, _ := db.SaveJobIf(ctx, j, JobPrecondition{Status: JobRunning, Owner: "host:2"}); ok {
		t.Error("expected save by another owner to be rejected")
	}
	if ok, _ := db.SaveJobIf(ctx, j, JobPrecondition{Status: JobQueued, Owner: "host:1"}); ok {
		t.Error("expected save against a stale status to be rejected")
	}
	if ok, err := db.SaveJobIf(ctx, j, JobPrecondition{Status: JobRunning, Owner: "host:1"}); err != nil || !ok {
		t.Fatalf("expected owner save to apply, got %v (err %v)", ok, err)
	}

	got, _ := db.GetJob(ctx, "job-1")
	if got.Progress.ProcessedCount != 7 {
		t.Errorf("expected processed count 7, got %d", got.Progress.ProcessedCount)
	}
}

func TestSaveJobIfStaleBefore(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	db.InsertJob(ctx, newJob("job-1", JobQueued))
	beat := time.Now().UTC()
	db.ClaimJob(ctx, "job-1", "host:1", beat)

	j, _ := db.GetJob(ctx, "job-1")
	j.Status = JobFailed
	cutoff := beat.Add(-time.Minute)
	pre := JobPrecondition{Status: JobRunning, Owner: "host:1", StaleBefore: &cutoff}
	if ok, _ := db.SaveJobIf(ctx, j, pre); ok {
		t.Error("expected a fresh heartbeat to block the write")
	}

	cutoff = beat.Add(time.Minute)
	if ok, err := db.SaveJobIf(ctx, j, pre); err != nil || !ok {
		t.Fatalf("expected stale job to be written, got %v (err %v)", ok, err)
	}
	if n, _ := db.CountActiveJobs(ctx); n != 0 {
		t.Errorf("expected failed job to release the guard, got %d active", n)
	}
}

func TestTouchJob(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	db.InsertJob(ctx, newJob("job-1", JobQueued))
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	db.ClaimJob(ctx, "job-1", "host:1", start)

	later := start.Add(time.Minute)
	if ok, err := db.TouchJob(ctx, "job-1", "host:1", later); err != nil || !ok {
		t.Fatalf("expected heartbeat to apply, got %v (err %v)", ok, err)
	}
	if ok, _ := db.TouchJob(ctx, "job-1", "host:2", later); ok {
		t.Error("expected heartbeat from another owner to be rejected")
	}

	j, _ := db.GetJob(ctx, "job-1")
	if j.HeartbeatAt == nil || !j.HeartbeatAt.Equal(later) {
		t.Errorf("expected heartbeat %v, got %v", later, j.HeartbeatAt)
	}
}

func TestListJobs(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, status := range []JobStatus{JobCompleted, JobFailed, JobCompleted} {
		j := newJob(fmt.Sprintf("job-%d", i), status)
		j.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		db.InsertJob(ctx, j)
	}

	all, err := db.ListJobs(ctx, JobFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 3 || all[0].ID != "job-2" {
		t.Errorf("expected newest first, got %d jobs starting with %v", len(all), all)
	}

	completed, _ := db.ListJobs(ctx, JobFilter{Status: JobCompleted, Limit: 1})
	if len(completed) != 1 || completed[0].Status != JobCompleted {
		t.Errorf("expected 1 completed job, got %v", completed)
	}
}

func TestGetStats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	insertDoc(t, db, "t3_a", ptr("a"), nil, time.Now())
	db.InsertTool(ctx, "cursor", "Cursor", "", nil)
	db.InsertJob(ctx, newJob("job-1", JobQueued))

	stats, err := db.GetStats(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.TotalDocuments != 1 {
		t.Errorf("expected 1 document, got %d", stats.TotalDocuments)
	}
	if stats.ActiveTools != 1 {
		t.Errorf("expected 1 active tool, got %d", stats.ActiveTools)
	}
	if stats.JobsByStatus[JobQueued] != 1 {
		t.Errorf("expected 1 queued job, got %d", stats.JobsByStatus[JobQueued])
	}
}
