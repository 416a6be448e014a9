package history

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jupark12/ydl-server/models"
)

// setupTestDB starts PostgreSQL in a container, applies the migrations and
// returns a connected store.
func setupTestDB(t *testing.T) *Postgres {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Skipping integration test: TEST_INTEGRATION is not set")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("ydl_test"),
		postgres.WithUsername("ydl"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to stop container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := Migrate(dsn, logger); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	pool, err := Connect(ctx, dsn, logger)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(pool.Close)

	return NewPostgres(pool)
}

func TestPostgresRecordAndRecent(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	entries := []Entry{
		{JobID: "a", Tenant: "alice", SourceURL: "u1", Preset: "mp3", Outfile: "one.mp3",
			Status: models.StatusCompleted, StartedAt: base, FinishedAt: base.Add(time.Minute)},
		{JobID: "b", Tenant: "alice", SourceURL: "u2", Preset: "mp3", Outfile: "two.mp3",
			Status: models.StatusFailed, ErrorMessage: "boom", StartedAt: base, FinishedAt: base.Add(2 * time.Minute)},
		{JobID: "c", Tenant: "bob", SourceURL: "u3", Preset: "normalmp4", Outfile: "three.mp4",
			Status: models.StatusCompleted, StartedAt: base, FinishedAt: base.Add(3 * time.Minute)},
	}
	for _, e := range entries {
		if err := store.Record(ctx, e); err != nil {
			t.Fatalf("Record(%s): %v", e.JobID, err)
		}
	}

	got, err := store.Recent(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 entries for alice, got %d", len(got))
	}
	if got[0].JobID != "b" || got[1].JobID != "a" {
		t.Errorf("Expected newest first, got %s then %s", got[0].JobID, got[1].JobID)
	}
	if got[0].Status != models.StatusFailed || got[0].ErrorMessage != "boom" {
		t.Errorf("Unexpected entry %+v", got[0])
	}

	limited, err := store.Recent(ctx, "alice", 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("Expected limit to apply, got %d entries", len(limited))
	}
}

func TestPostgresRecordUpserts(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	e := Entry{JobID: "x", Tenant: "alice", SourceURL: "u", Preset: "mp3", Outfile: "x.mp3",
		Status: models.StatusDropped, StartedAt: time.Now(), FinishedAt: time.Now()}
	if err := store.Record(ctx, e); err != nil {
		t.Fatalf("Record: %v", err)
	}
	e.Status = models.StatusCompleted
	if err := store.Record(ctx, e); err != nil {
		t.Fatalf("Record again: %v", err)
	}

	got, err := store.Recent(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].Status != models.StatusCompleted {
		t.Errorf("Expected one completed entry, got %+v", got)
	}
}
