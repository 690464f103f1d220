package file

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fathomhq/fathom/internal/log"
	"github.com/fathomhq/fathom/internal/testutil"
)

func testFile(userID uuid.UUID, name string) *File {
	id := uuid.New()
	return &File{
		ID:         id,
		UserID:     userID,
		Name:       name,
		MediaType:  "text/plain",
		SizeBytes:  42,
		StorageKey: "objects/" + id.String(),
	}
}

func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store, err := NewStore(db.Pool, log.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	userID := uuid.New()
	otherUser := uuid.New()

	t.Run("create with enqueue callback", func(t *testing.T) {
		f := testFile(userID, "report.pdf")
		var enqueued bool
		err := store.Create(ctx, f, func(tx pgx.Tx) error {
			enqueued = true
			_, err := tx.Exec(ctx,
				`INSERT INTO jobs (id, file_id, user_id, max_attempts) VALUES ($1, $2, $3, 3)`,
				uuid.New(), f.ID, f.UserID)
			return err
		})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if !enqueued {
			t.Fatal("enqueue callback not invoked")
		}

		got, err := store.Get(ctx, userID, f.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Status != StatusPending || got.Name != "report.pdf" {
			t.Errorf("created file = %+v", got)
		}

		var jobs int
		if err := db.Pool.QueryRow(ctx,
			`SELECT count(*) FROM jobs WHERE file_id = $1`, f.ID).Scan(&jobs); err != nil {
			t.Fatal(err)
		}
		if jobs != 1 {
			t.Errorf("jobs = %d, want 1", jobs)
		}
	})

	t.Run("failed enqueue rolls back the file", func(t *testing.T) {
		f := testFile(userID, "doomed.txt")
		wantErr := errors.New("enqueue refused")
		err := store.Create(ctx, f, func(pgx.Tx) error { return wantErr })
		if !errors.Is(err, wantErr) {
			t.Fatalf("Create() error = %v, want wrapped %v", err, wantErr)
		}
		if _, err := store.Get(ctx, userID, f.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("file persisted despite enqueue failure: %v", err)
		}
	})

	t.Run("tenant scoping", func(t *testing.T) {
		f := testFile(userID, "mine.txt")
		if err := store.Create(ctx, f, nil); err != nil {
			t.Fatal(err)
		}

		if _, err := store.Get(ctx, otherUser, f.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("foreign Get() = %v, want ErrNotFound", err)
		}
		if err := store.Delete(ctx, otherUser, f.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("foreign Delete() = %v, want ErrNotFound", err)
		}

		list, err := store.List(ctx, otherUser)
		if err != nil {
			t.Fatal(err)
		}
		for _, got := range list {
			if got.ID == f.ID {
				t.Error("foreign file visible in List()")
			}
		}

		// The pipeline reads without tenant scope.
		if _, err := store.GetAny(ctx, f.ID); err != nil {
			t.Errorf("GetAny() error = %v", err)
		}
	})

	t.Run("status lifecycle", func(t *testing.T) {
		f := testFile(userID, "lifecycle.txt")
		if err := store.Create(ctx, f, nil); err != nil {
			t.Fatal(err)
		}

		if err := store.UpdateStatus(ctx, f.ID, StatusProcessing); err != nil {
			t.Fatalf("UpdateStatus() error = %v", err)
		}
		if err := store.SetFailure(ctx, f.ID, "processing failed"); err != nil {
			t.Fatalf("SetFailure() error = %v", err)
		}
		got, err := store.Get(ctx, userID, f.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != StatusFailed || got.Error != "processing failed" {
			t.Errorf("after failure: status=%q error=%q", got.Status, got.Error)
		}

		// Moving out of failed clears the recorded error.
		if err := store.UpdateStatus(ctx, f.ID, StatusProcessing); err != nil {
			t.Fatal(err)
		}
		got, err = store.Get(ctx, userID, f.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != StatusProcessing || got.Error != "" {
			t.Errorf("after recovery: status=%q error=%q", got.Status, got.Error)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		ghost := uuid.New()
		if err := store.UpdateStatus(ctx, ghost, StatusCompleted); !errors.Is(err, ErrNotFound) {
			t.Errorf("UpdateStatus() = %v, want ErrNotFound", err)
		}
		if err := store.SetFailure(ctx, ghost, "x"); !errors.Is(err, ErrNotFound) {
			t.Errorf("SetFailure() = %v, want ErrNotFound", err)
		}
	})

	t.Run("delete cascades", func(t *testing.T) {
		f := testFile(userID, "cascading.txt")
		if err := store.Create(ctx, f, nil); err != nil {
			t.Fatal(err)
		}
		if _, err := db.Pool.Exec(ctx,
			`INSERT INTO analyses (id, file_id, user_id, summary) VALUES ($1, $2, $3, 's')`,
			uuid.New(), f.ID, userID); err != nil {
			t.Fatal(err)
		}

		if err := store.Delete(ctx, userID, f.ID); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		var analyses int
		if err := db.Pool.QueryRow(ctx,
			`SELECT count(*) FROM analyses WHERE file_id = $1`, f.ID).Scan(&analyses); err != nil {
			t.Fatal(err)
		}
		if analyses != 0 {
			t.Errorf("analyses after delete = %d, want 0 via cascade", analyses)
		}
	})

	t.Run("list newest first", func(t *testing.T) {
		listUser := uuid.New()
		for _, name := range []string{"first.txt", "second.txt", "third.txt"} {
			if err := store.Create(ctx, testFile(listUser, name), nil); err != nil {
				t.Fatal(err)
			}
		}
		list, err := store.List(ctx, listUser)
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 3 {
			t.Fatalf("list = %d files, want 3", len(list))
		}
		for i := 1; i < len(list); i++ {
			if list[i].CreatedAt.After(list[i-1].CreatedAt) {
				t.Error("files not ordered newest first")
			}
		}
	})
}
