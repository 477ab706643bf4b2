package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/andresmejia3/facescan/internal/types"
)

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Explicitly check for Docker availability and fail hard if missing
	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("facescan_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close(ctx)

	// --- Test Scenarios ---

	if err := s.CreateSession(ctx, "not-a-uuid", "cascade", "/photos", time.Now()); err == nil {
		t.Error("Expected CreateSession to reject a malformed id")
	}

	sessionID := uuid.NewString()
	if err := s.CreateSession(ctx, sessionID, "cascade", "/photos", time.Now()); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	withFaces := types.NewResult("asset-1", []types.Face{
		{Box: types.Rect{X: 0.1, Y: 0.2, W: 0.3, H: 0.4}, Identifier: "asset-1"},
		{Box: types.Rect{X: 0.5, Y: 0.5, W: 0.1, H: 0.1}, Identifier: "asset-1"},
	}, 120*time.Millisecond)
	failed := types.NewFailure("asset-2", fmt.Errorf("%w: gone", types.ErrInputUnavailable), 5*time.Millisecond)

	if err := s.InsertResult(ctx, sessionID, "/photos/1.jpg", withFaces); err != nil {
		t.Fatalf("InsertResult failed: %v", err)
	}
	if err := s.InsertResult(ctx, sessionID, "/photos/2.jpg", failed); err != nil {
		t.Fatalf("InsertResult failed: %v", err)
	}
	// Re-delivery replaces the earlier row instead of duplicating faces.
	if err := s.InsertResult(ctx, sessionID, "/photos/1.jpg", withFaces); err != nil {
		t.Fatalf("InsertResult (replace) failed: %v", err)
	}

	results, err := s.Results(ctx, sessionID)
	if err != nil {
		t.Fatalf("Results failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if len(results[0].Faces) != 2 {
		t.Errorf("Expected 2 faces for asset-1, got %d", len(results[0].Faces))
	}
	if results[0].Faces[0] != (types.Rect{X: 0.1, Y: 0.2, W: 0.3, H: 0.4}) {
		t.Errorf("Unexpected first face %+v", results[0].Faces[0])
	}
	if results[0].Elapsed != 120*time.Millisecond {
		t.Errorf("Expected elapsed 120ms, got %v", results[0].Elapsed)
	}
	if !results[1].Failed || results[1].Error == "" || len(results[1].Faces) != 0 {
		t.Errorf("Expected asset-2 to be stored as a failure, got %+v", results[1])
	}

	if err := s.FinishSession(ctx, sessionID, Summary{Total: 2, Faces: 2, Errors: 1}); err != nil {
		t.Fatalf("FinishSession failed: %v", err)
	}
	if err := s.FinishSession(ctx, uuid.NewString(), Summary{}); err == nil {
		t.Error("Expected FinishSession to fail for an unknown session")
	}

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("Expected 1 session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.ID != sessionID || got.Faces != 2 || got.Errors != 1 || got.FinishedAt == nil {
		t.Errorf("Unexpected session record %+v", got)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.ListSessions(ctx); err == nil {
		t.Error("Expected ListSessions to fail after Reset dropped the tables")
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
