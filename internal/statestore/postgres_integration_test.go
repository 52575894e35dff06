package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func TestPostgresIntegrationDocumentRoundTrip(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("NEXUSSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set NEXUSSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}

	backend, err := NewPostgresBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	backend.tableName = fmt.Sprintf("nexussync_documents_it_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_ = backend.Close()
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return
		}
		defer db.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+postgresQuoteIdentifier(backend.tableName))
	})

	data, err := backend.Load(DocOutboundQueue)
	if err != nil || data != nil {
		t.Fatalf("expected missing document, got %q err=%v", data, err)
	}
	if err := backend.Save(DocOutboundQueue, []byte(`[{"entity_id":"p-1"}]`)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := backend.Save(DocOutboundQueue, []byte(`[]`)); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	data, err = backend.Load(DocOutboundQueue)
	if err != nil || string(data) != "[]" {
		t.Fatalf("expected overwritten document, got %q err=%v", data, err)
	}
}

func TestPostgresBackendOpenFailureIsSticky(t *testing.T) {
	backend, err := NewPostgresBackend("postgres://invalid")
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	calls := 0
	backend.openDB = func(string, string) (*sql.DB, error) {
		calls++
		return nil, errors.New("dial refused")
	}
	if _, err := backend.Load(DocSyncState); err == nil {
		t.Fatalf("expected open failure")
	}
	if err := backend.Save(DocSyncState, []byte("{}")); err == nil {
		t.Fatalf("expected open failure on save")
	}
	if calls != 1 {
		t.Fatalf("expected a single open attempt, got %d", calls)
	}
}
