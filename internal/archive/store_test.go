package archive_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/livevox/internal/archive"
	"github.com/MrWong99/livevox/internal/transcript"
	"github.com/MrWong99/livevox/pkg/transport"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if LIVEVOX_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("LIVEVOX_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LIVEVOX_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore opens a Store on a freshly dropped schema.
func newTestStore(t *testing.T) *archive.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS transcript_entries CASCADE"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	pool.Close()

	store, err := archive.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore_WriteAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	batch := []transcript.Entry{
		{Role: transport.RoleUser, Text: "What's the weather?", Timestamp: base},
		{Role: transport.RoleModel, Text: "Sunny and warm.", Timestamp: base.Add(time.Second)},
	}
	if err := store.Write(ctx, "s1", batch); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := store.Write(ctx, "s2", batch[:1]); err != nil {
		t.Fatalf("Write s2: %v", err)
	}
	if err := store.Write(ctx, "s1", nil); err != nil {
		t.Fatalf("empty Write: %v", err)
	}

	got, err := store.Recent(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
	if got[0].Role != transport.RoleUser || got[1].Text != "Sunny and warm." {
		t.Errorf("entries = %+v", got)
	}
	if !got[0].Timestamp.Equal(base) {
		t.Errorf("timestamp = %v, want %v", got[0].Timestamp, base)
	}

	last, err := store.Recent(ctx, "s1", 1)
	if err != nil {
		t.Fatalf("Recent(limit 1): %v", err)
	}
	if len(last) != 1 || last[0].Role != transport.RoleModel {
		t.Errorf("limited = %+v, want the newest entry", last)
	}

	none, err := store.Recent(ctx, "missing", 0)
	if err != nil || none == nil || len(none) != 0 {
		t.Errorf("Recent(missing) = %v, %v; want empty non-nil", none, err)
	}
}

func TestStore_ThroughQueue(t *testing.T) {
	store := newTestStore(t)
	q := archive.NewQueue(store)
	_ = q.Append(context.Background(), "sq", []transcript.Entry{
		{Role: transport.RoleModel, Text: "Hello!", Timestamp: time.Now()},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := store.Recent(context.Background(), "sq", 0)
	if err != nil || len(got) != 1 {
		t.Errorf("Recent = %v, %v", got, err)
	}
}

func TestStore_Ping(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
