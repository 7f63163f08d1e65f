package stores

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// setupTestStore creates a migrated SQLite store in a temporary directory
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "carmin.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

func createTestExecution(t *testing.T, store *SQLiteStore, id, creator string) *Execution {
	t.Helper()
	exec := &Execution{
		Identifier:         id,
		Name:               "exec " + id,
		PipelineIdentifier: "pipe-1",
		DescriptorType:     "template",
		CreatorUsername:    creator,
		Status:             StatusInitializing,
	}
	if err := store.CreateExecution(context.Background(), exec); err != nil {
		t.Fatalf("failed to create execution: %v", err)
	}
	return exec
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "lifecycle.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	// Running migrations twice is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestExecutionCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	timeout := int64(30)
	study := "study-1"
	exec := &Execution{
		Identifier:         "exec-1",
		Name:               "first",
		PipelineIdentifier: "pipe-1",
		DescriptorType:     "boutiques",
		Timeout:            &timeout,
		StudyIdentifier:    &study,
		CreatorUsername:    "jane",
		Status:             StatusInitializing,
	}
	if err := store.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}

	got, err := store.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	if got.Name != "first" || got.Status != StatusInitializing || got.CreatorUsername != "jane" {
		t.Errorf("GetExecution() = %+v", got)
	}
	if got.Timeout == nil || *got.Timeout != 30 {
		t.Errorf("Timeout = %v, want 30", got.Timeout)
	}
	if got.StudyIdentifier == nil || *got.StudyIdentifier != "study-1" {
		t.Errorf("StudyIdentifier = %v", got.StudyIdentifier)
	}
	if got.StartDate != nil || got.EndDate != nil {
		t.Error("dates should be unset on creation")
	}

	if _, err := store.GetExecution(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetExecution(missing) error = %v, want ErrNotFound", err)
	}

	if err := store.CreateExecution(ctx, exec); err == nil {
		t.Error("expected duplicate identifier to fail")
	}

	if err := store.DeleteExecution(ctx, "exec-1"); err != nil {
		t.Fatalf("DeleteExecution() error = %v", err)
	}
	if err := store.DeleteExecution(ctx, "exec-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteExecution() error = %v, want ErrNotFound", err)
	}
}

func TestListAndCountByCreator(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"a", "b", "c", "d"} {
		exec := &Execution{
			Identifier:         id,
			Name:               id,
			PipelineIdentifier: "p",
			DescriptorType:     "template",
			CreatorUsername:    "jane",
			Status:             StatusInitializing,
			CreatedAt:          base.Add(time.Duration(i) * time.Second),
		}
		if err := store.CreateExecution(ctx, exec); err != nil {
			t.Fatal(err)
		}
	}
	createTestExecution(t, store, "other", "bob")

	all, err := store.ListExecutionsByCreator(ctx, "jane", -1, 0)
	if err != nil {
		t.Fatalf("ListExecutionsByCreator() error = %v", err)
	}
	var ids []string
	for _, e := range all {
		ids = append(ids, e.Identifier)
	}
	if len(ids) != 4 || ids[0] != "d" || ids[3] != "a" {
		t.Errorf("newest-first order = %v, want [d c b a]", ids)
	}

	page, err := store.ListExecutionsByCreator(ctx, "jane", 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Identifier != "c" || page[1].Identifier != "b" {
		t.Errorf("page = %v", page)
	}

	count, err := store.CountExecutionsByCreator(ctx, "jane")
	if err != nil || count != 4 {
		t.Errorf("CountExecutionsByCreator() = %d, %v; want 4", count, err)
	}
}

func TestUpdateExecutionOnlyWhileInitializing(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestExecution(t, store, "exec-1", "jane")

	name := "renamed"
	timeout := int64(99)
	if err := store.UpdateExecution(ctx, "exec-1", &name, &timeout); err != nil {
		t.Fatalf("UpdateExecution() error = %v", err)
	}
	got, _ := store.GetExecution(ctx, "exec-1")
	if got.Name != "renamed" || got.Timeout == nil || *got.Timeout != 99 {
		t.Errorf("after update = %+v", got)
	}

	if err := store.StartExecution(ctx, "exec-1", 100, time.Now().UnixMilli()); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateExecution(ctx, "exec-1", &name, nil); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("UpdateExecution(Running) error = %v, want ErrPreconditionFailed", err)
	}
	if err := store.UpdateExecution(ctx, "missing", &name, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateExecution(missing) error = %v, want ErrNotFound", err)
	}
}

func TestTransitionStatusIsCompareAndSet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestExecution(t, store, "exec-1", "jane")

	if err := store.TransitionStatus(ctx, "exec-1", StatusInitializing, StatusInitializationFailed); err != nil {
		t.Fatalf("TransitionStatus() error = %v", err)
	}
	err := store.TransitionStatus(ctx, "exec-1", StatusInitializing, StatusRunning)
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("stale TransitionStatus() error = %v, want ErrPreconditionFailed", err)
	}
	if err := store.TransitionStatus(ctx, "missing", StatusInitializing, StatusRunning); !errors.Is(err, ErrNotFound) {
		t.Errorf("TransitionStatus(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStartAndFinishExecution(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestExecution(t, store, "exec-1", "jane")

	if err := store.AddWorkProcess(ctx, "exec-1", 200); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("AddWorkProcess(Initializing) error = %v, want ErrPreconditionFailed", err)
	}

	start := time.Now().UnixMilli()
	if err := store.StartExecution(ctx, "exec-1", 100, start); err != nil {
		t.Fatalf("StartExecution() error = %v", err)
	}
	if err := store.StartExecution(ctx, "exec-1", 100, start); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("second StartExecution() error = %v, want ErrPreconditionFailed", err)
	}

	if err := store.AddWorkProcess(ctx, "exec-1", 200); err != nil {
		t.Fatalf("AddWorkProcess() error = %v", err)
	}
	if err := store.AddWorkProcess(ctx, "exec-1", 300); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("third process error = %v, want ErrPreconditionFailed", err)
	}

	procs, err := store.ListProcesses(ctx, "exec-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(procs) != 2 || !procs[0].IsSupervisorProcess || procs[0].PID != 100 || procs[1].PID != 200 {
		t.Errorf("ListProcesses() = %+v", procs)
	}

	got, _ := store.GetExecution(ctx, "exec-1")
	if got.Status != StatusRunning || got.StartDate == nil || *got.StartDate != start {
		t.Errorf("after start = %+v", got)
	}

	end := start + 1000
	if err := store.FinishExecution(ctx, "exec-1", StatusFinished, end); err != nil {
		t.Fatalf("FinishExecution() error = %v", err)
	}

	got, _ = store.GetExecution(ctx, "exec-1")
	if got.Status != StatusFinished || got.EndDate == nil || *got.EndDate != end {
		t.Errorf("after finish = %+v", got)
	}
	procs, _ = store.ListProcesses(ctx, "exec-1")
	if len(procs) != 0 {
		t.Errorf("process rows left after finish: %+v", procs)
	}

	// The finalizer never overwrites a terminal status or the end date.
	if err := store.FinishExecution(ctx, "exec-1", StatusExecutionFailed, end+5000); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("second FinishExecution() error = %v, want ErrPreconditionFailed", err)
	}
	got, _ = store.GetExecution(ctx, "exec-1")
	if got.Status != StatusFinished || *got.EndDate != end {
		t.Errorf("terminal state changed: %+v", got)
	}
}

func TestClaimKill(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestExecution(t, store, "exec-1", "jane")

	if _, err := store.ClaimKill(ctx, "exec-1", 1); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("ClaimKill(Initializing) error = %v, want ErrPreconditionFailed", err)
	}

	// Running without rows is a finishing execution.
	if err := store.TransitionStatus(ctx, "exec-1", StatusInitializing, StatusRunning); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimKill(ctx, "exec-1", 1); !errors.Is(err, ErrNoProcesses) {
		t.Errorf("ClaimKill(no rows) error = %v, want ErrNoProcesses", err)
	}

	createTestExecution(t, store, "exec-2", "jane")
	if err := store.StartExecution(ctx, "exec-2", 100, 10); err != nil {
		t.Fatal(err)
	}
	if err := store.AddWorkProcess(ctx, "exec-2", 200); err != nil {
		t.Fatal(err)
	}

	procs, err := store.ClaimKill(ctx, "exec-2", 20)
	if err != nil {
		t.Fatalf("ClaimKill() error = %v", err)
	}
	if len(procs) != 2 {
		t.Errorf("ClaimKill() returned %d processes, want 2", len(procs))
	}

	got, _ := store.GetExecution(ctx, "exec-2")
	if got.Status != StatusKilled || got.EndDate == nil || *got.EndDate != 20 {
		t.Errorf("after claim = %+v", got)
	}
	if left, _ := store.ListProcesses(ctx, "exec-2"); len(left) != 0 {
		t.Errorf("rows left after claim: %+v", left)
	}

	if _, err := store.ClaimKill(ctx, "exec-2", 30); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("second ClaimKill() error = %v, want ErrPreconditionFailed", err)
	}
	if err := store.FinishExecution(ctx, "exec-2", StatusFinished, 40); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("FinishExecution() after kill error = %v, want ErrPreconditionFailed", err)
	}
	got, _ = store.GetExecution(ctx, "exec-2")
	if got.Status != StatusKilled || *got.EndDate != 20 {
		t.Errorf("kill overwritten by finalizer: %+v", got)
	}
}

func TestConcurrentClaimKillHasOneWinner(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestExecution(t, store, "exec-1", "jane")
	if err := store.StartExecution(ctx, "exec-1", 100, 10); err != nil {
		t.Fatal(err)
	}
	if err := store.AddWorkProcess(ctx, "exec-1", 200); err != nil {
		t.Fatal(err)
	}

	const racers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ClaimKill(ctx, "exec-1", 20); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrPreconditionFailed) {
				t.Errorf("unexpected ClaimKill() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("ClaimKill() winners = %d, want 1", wins)
	}
}

func TestMarkUnknownAndOrphans(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestExecution(t, store, "running", "jane")
	if err := store.StartExecution(ctx, "running", 100, 10); err != nil {
		t.Fatal(err)
	}

	procs, err := store.MarkUnknown(ctx, "running", 50)
	if err != nil {
		t.Fatalf("MarkUnknown() error = %v", err)
	}
	if len(procs) != 1 || procs[0].PID != 100 {
		t.Errorf("MarkUnknown() = %+v", procs)
	}
	got, _ := store.GetExecution(ctx, "running")
	if got.Status != StatusUnknown || got.EndDate == nil {
		t.Errorf("after MarkUnknown = %+v", got)
	}

	// A row left behind for a terminal execution is an orphan.
	createTestExecution(t, store, "crashed", "jane")
	if err := store.StartExecution(ctx, "crashed", 300, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := store.db.ExecContext(ctx,
		`UPDATE executions SET status = ? WHERE identifier = ?`, string(StatusFinished), "crashed"); err != nil {
		t.Fatal(err)
	}

	orphans, err := store.ListOrphanProcesses(ctx)
	if err != nil {
		t.Fatalf("ListOrphanProcesses() error = %v", err)
	}
	if len(orphans) != 1 || orphans[0].PID != 300 || orphans[0].ExecutionIdentifier != "crashed" {
		t.Errorf("ListOrphanProcesses() = %+v", orphans)
	}

	if err := store.DeleteProcess(ctx, "crashed", 300); err != nil {
		t.Fatalf("DeleteProcess() error = %v", err)
	}
	if err := store.DeleteProcess(ctx, "crashed", 300); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteProcess() error = %v, want ErrNotFound", err)
	}

	running, err := store.ListExecutionsByStatus(ctx, StatusRunning)
	if err != nil || len(running) != 0 {
		t.Errorf("ListExecutionsByStatus(Running) = %v, %v", running, err)
	}
}

func TestDeleteExecutionCascadesProcesses(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestExecution(t, store, "exec-1", "jane")
	if err := store.StartExecution(ctx, "exec-1", 100, 10); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteExecution(ctx, "exec-1"); err != nil {
		t.Fatalf("DeleteExecution() error = %v", err)
	}

	var count int
	if err := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM execution_processes`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("process rows after cascade delete = %d, want 0", count)
	}
}

func TestAudit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, action := range []string{"create", "play", "kill"} {
		entry := &AuditEntry{ExecutionIdentifier: "exec-1", Action: action, Actor: "jane"}
		if err := store.AppendAudit(ctx, entry); err != nil {
			t.Fatalf("AppendAudit() error = %v", err)
		}
		if entry.ID == 0 {
			t.Error("AppendAudit() did not set the entry id")
		}
	}

	entries, err := store.ListAudit(ctx, "exec-1", 0)
	if err != nil {
		t.Fatalf("ListAudit() error = %v", err)
	}
	if len(entries) != 3 || entries[0].Action != "create" || entries[2].Action != "kill" {
		t.Errorf("ListAudit() = %+v", entries)
	}

	limited, _ := store.ListAudit(ctx, "exec-1", 2)
	if len(limited) != 2 {
		t.Errorf("ListAudit(limit 2) returned %d entries", len(limited))
	}
}
