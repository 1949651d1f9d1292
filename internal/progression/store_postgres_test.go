package progression

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/p-n-ai/pathway/internal/platform/database"
)

// startPostgres spins up a disposable PostgreSQL container and returns a
// store backed by it. Skips when Docker is unavailable.
func startPostgres(t *testing.T) *PostgresProgressStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("pathway"),
		postgres.WithUsername("pathway"),
		postgres.WithPassword("pathway"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("starting postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminating container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	db, err := database.New(ctx, dsn, 10, 2)
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	t.Cleanup(db.Close)

	if err := db.ApplySchema(ctx, Schema); err != nil {
		t.Fatalf("applying schema: %v", err)
	}

	store, err := NewPostgresProgressStore(db.Pool)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	return store
}

func TestPostgresStoreGuardedUpsert(t *testing.T) {
	store := startPostgres(t)
	ctx := t.Context()
	ref := ActivityRef{Kind: KindSubmodule, ID: 1}

	rec, err := store.Upsert(ctx, Progress{
		UserID: "u1", Activity: ref, Status: StatusInProgress, StartedAt: time.Now(),
		ResponseData: map[string]any{"q1": "a"},
	}, GuardNotCompleted)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	started := rec.StartedAt

	// started_at is first-write-wins, nil payload preserves the stored one.
	rec, err = store.Upsert(ctx, Progress{
		UserID: "u1", Activity: ref, Status: StatusInProgress, StartedAt: time.Now().Add(time.Hour),
	}, GuardNotCompleted)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if !rec.StartedAt.Equal(started) {
		t.Errorf("StartedAt changed: %v -> %v", started, rec.StartedAt)
	}
	if rec.ResponseData["q1"] != "a" {
		t.Errorf("ResponseData = %v, want preserved payload", rec.ResponseData)
	}

	completedAt := time.Now()
	if _, err := store.Upsert(ctx, Progress{
		UserID: "u1", Activity: ref, Status: StatusCompleted, CompletedAt: &completedAt,
	}, GuardNotCompleted); err != nil {
		t.Fatalf("completing upsert: %v", err)
	}

	_, err = store.Upsert(ctx, Progress{
		UserID: "u1", Activity: ref, Status: StatusInProgress,
	}, GuardNotCompleted)
	if !errors.Is(err, ErrGuardRejected) {
		t.Errorf("upsert on completed row: err = %v, want ErrGuardRejected", err)
	}

	// The completed row survives untouched.
	got, ok, err := store.Fetch(ctx, "u1", ref)
	if err != nil || !ok {
		t.Fatalf("Fetch() = %v, %v", ok, err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %q, want %q", got.Status, StatusCompleted)
	}
}

func TestPostgresStoreAbsentGuard(t *testing.T) {
	store := startPostgres(t)
	ctx := t.Context()
	ref := ActivityRef{Kind: KindSubmodule, ID: 2}
	ruleID := int64(7)

	if _, err := store.Upsert(ctx, Progress{
		UserID: "u1", Activity: ref, Status: StatusNotStarted, UnlockedByRule: &ruleID,
	}, GuardAbsent); err != nil {
		t.Fatalf("first unlock write: %v", err)
	}

	_, err := store.Upsert(ctx, Progress{
		UserID: "u1", Activity: ref, Status: StatusNotStarted, UnlockedByRule: &ruleID,
	}, GuardAbsent)
	if !errors.Is(err, ErrGuardRejected) {
		t.Errorf("duplicate unlock: err = %v, want ErrGuardRejected", err)
	}
}

func TestPostgresStoreConcurrentCompletion(t *testing.T) {
	store := startPostgres(t)
	ctx := t.Context()
	ref := ActivityRef{Kind: KindModule, ID: 3}

	if _, err := store.Upsert(ctx, Progress{
		UserID: "u1", Activity: ref, Status: StatusInProgress, StartedAt: time.Now(),
	}, GuardNotCompleted); err != nil {
		t.Fatalf("start: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, rejections := 0, 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			completedAt := time.Now()
			_, err := store.Upsert(ctx, Progress{
				UserID: "u1", Activity: ref, Status: StatusCompleted, CompletedAt: &completedAt,
			}, GuardNotCompleted)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrGuardRejected):
				rejections++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if rejections != workers-1 {
		t.Errorf("rejections = %d, want %d", rejections, workers-1)
	}
}

func TestPostgresStoreFetchMany(t *testing.T) {
	store := startPostgres(t)
	ctx := t.Context()

	for _, id := range []int64{10, 11} {
		if _, err := store.Upsert(ctx, Progress{
			UserID: "u1", Activity: ActivityRef{Kind: KindSubmodule, ID: id}, Status: StatusInProgress,
		}, GuardNotCompleted); err != nil {
			t.Fatalf("seed %d: %v", id, err)
		}
	}

	records, err := store.FetchMany(ctx, "u1", KindSubmodule, []int64{10, 11, 12})
	if err != nil {
		t.Fatalf("FetchMany() error = %v", err)
	}
	if len(records) != 2 {
		t.Errorf("FetchMany() returned %d records, want 2", len(records))
	}
}
