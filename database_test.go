package pagestore

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

func openTestDatabase(t *testing.T) *Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db")
	db, err := Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createCollection(t *testing.T, db *Database, name string) {
	t.Helper()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.CreateCollection(name); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestInsertGeneratesIDWhenMissing(t *testing.T) {
	db := openTestDatabase(t)
	createCollection(t, db, "users")

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	c := tx.Collection("users")
	id, err := c.Insert([]byte(`{"name":"ada"}`))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated id, got empty string")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	doc, err := tx2.Collection("users").FindByID(id)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(doc, &got); err != nil {
		t.Fatalf("unmarshal stored doc: %v", err)
	}
	if got["_id"] != id || got["name"] != "ada" {
		t.Fatalf("stored doc = %v, want _id=%s name=ada", got, id)
	}
	tx2.Rollback()
}

func TestInsertHonorsExplicitID(t *testing.T) {
	db := openTestDatabase(t)
	createCollection(t, db, "users")

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	id, err := tx.Collection("users").Insert([]byte(`{"_id":"u1","v":1}`))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if id != "u1" {
		t.Fatalf("Insert id = %q, want u1", id)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestInsertRejectsNonObjectDocument(t *testing.T) {
	db := openTestDatabase(t)
	createCollection(t, db, "users")

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback()

	if _, err := tx.Collection("users").Insert([]byte(`[1,2,3]`)); err == nil {
		t.Fatal("expected InvalidDocumentFormat for a JSON array")
	} else if _, ok := err.(*InvalidDocumentFormat); !ok {
		t.Fatalf("expected *InvalidDocumentFormat, got %T: %v", err, err)
	}
}

func TestUpdateByIDForcesStoredID(t *testing.T) {
	db := openTestDatabase(t)
	createCollection(t, db, "users")

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	c := tx.Collection("users")
	if _, err := c.Insert([]byte(`{"_id":"u1","v":1}`)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := c.UpdateByID("u1", []byte(`{"_id":"someone-else","v":2}`)); err != nil {
		t.Fatalf("UpdateByID: %v", err)
	}
	doc, err := c.FindByID("u1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	var got map[string]any
	json.Unmarshal(doc, &got)
	if got["_id"] != "u1" {
		t.Fatalf("stored _id = %v, want u1 (UpdateByID must force it)", got["_id"])
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestDeleteByIDThenFindByIDReturnsNotFound(t *testing.T) {
	db := openTestDatabase(t)
	createCollection(t, db, "users")

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	c := tx.Collection("users")
	if _, err := c.Insert([]byte(`{"_id":"u1"}`)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2, _ := db.Begin()
	c2 := tx2.Collection("users")
	if err := c2.DeleteByID("u1"); err != nil {
		t.Fatalf("DeleteByID: %v", err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx3, _ := db.Begin()
	_, err = tx3.Collection("users").FindByID("u1")
	if _, ok := err.(*NotFound); !ok {
		t.Fatalf("FindByID after delete = %v (%T), want *NotFound", err, err)
	}
	tx3.Rollback()
}

func TestCollectionShortFormAutoCommits(t *testing.T) {
	db := openTestDatabase(t)
	createCollection(t, db, "users")

	var id string
	err := db.Collection("users", func(c *CollectionHandle) error {
		var err error
		id, err = c.Insert([]byte(`{"v":1}`))
		return err
	})
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}

	var doc []byte
	err = db.Collection("users", func(c *CollectionHandle) error {
		var err error
		doc, err = c.FindByID(id)
		return err
	})
	if err != nil {
		t.Fatalf("Collection (read): %v", err)
	}
	if doc == nil {
		t.Fatal("expected to find the inserted document")
	}
}

func TestCollectionShortFormRetriesOnConflict(t *testing.T) {
	db := openTestDatabase(t)
	createCollection(t, db, "users")

	if err := db.Collection("users", func(c *CollectionHandle) error {
		_, err := c.Insert([]byte(`{"_id":"u1","v":0}`))
		return err
	}); err != nil {
		t.Fatalf("initial insert: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = db.Collection("users", func(c *CollectionHandle) error {
				return c.UpdateByID("u1", []byte(`{"v":1}`))
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent update %d failed after retries: %v", i, err)
		}
	}
}

func TestInsertManyRespectsBulkLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxBulkOperations = 2
	path := filepath.Join(t.TempDir(), "db")
	db, err := Open(path, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	createCollection(t, db, "users")

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback()

	_, err = tx.Collection("users").InsertMany([][]byte{
		[]byte(`{}`), []byte(`{}`), []byte(`{}`),
	})
	if err == nil {
		t.Fatal("expected LimitExceeded for bulk insert over the configured cap")
	}
	if _, ok := err.(*LimitExceeded); !ok {
		t.Fatalf("expected *LimitExceeded, got %T: %v", err, err)
	}
}

func TestCountAndFindAll(t *testing.T) {
	db := openTestDatabase(t)
	createCollection(t, db, "users")

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	c := tx.Collection("users")
	for i := 0; i < 5; i++ {
		if _, err := c.Insert([]byte(`{}`)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2, _ := db.Begin()
	c2 := tx2.Collection("users")
	count, err := c2.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 5 {
		t.Fatalf("Count = %d, want 5", count)
	}

	seen := 0
	if err := c2.FindAll(func(id string, doc []byte) bool {
		seen++
		return true
	}); err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if seen != 5 {
		t.Fatalf("FindAll visited %d docs, want 5", seen)
	}
	tx2.Rollback()
}

func TestReopenAfterCrashRecoversCommittedWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	db, err := Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	createCollection(t, db, "users")

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := tx.Collection("users").Insert([]byte(`{"_id":"a","v":1}`)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// No explicit checkpoint: Close still runs a final checkpoint, so this
	// reopen reads checkpointed state; the crash path without that final
	// checkpoint is covered by TestReopenAfterSimulatedCrashRestoresHeader.
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	tx2, err := db2.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	doc, err := tx2.Collection("users").FindByID("a")
	if err != nil {
		t.Fatalf("FindByID after reopen: %v", err)
	}
	var got map[string]any
	json.Unmarshal(doc, &got)
	if got["v"] != float64(1) {
		t.Fatalf("recovered doc = %v, want v:1", got)
	}
	tx2.Rollback()
}

// TestReopenAfterSimulatedCrashRestoresHeader exercises the path
// TestReopenAfterCrashRecoversCommittedWrite does not: that test's final
// Close still runs a checkpoint, which flushes a correct header, so it
// never observes the stale on-disk CatalogRoot/PageCount a real crash
// leaves behind. Here CloseWithoutCheckpoint tears the original Database
// down instead.
func TestReopenAfterSimulatedCrashRestoresHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	db, err := Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	createCollection(t, db, "users")

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := tx.Collection("users").Insert([]byte(`{"_id":"a","v":1}`)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := db.CloseWithoutCheckpoint(); err != nil {
		t.Fatalf("CloseWithoutCheckpoint: %v", err)
	}

	db2, err := Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	defer db2.Close()

	tx2, err := db2.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	doc, err := tx2.Collection("users").FindByID("a")
	if err != nil {
		t.Fatalf("FindByID after crash recovery: %v", err)
	}
	var got map[string]any
	json.Unmarshal(doc, &got)
	if got["v"] != float64(1) {
		t.Fatalf("recovered doc = %v, want v:1", got)
	}
	// A stale recovered PageCount would hand the next insert a page
	// number that collides with one "a" already occupies.
	if _, err := tx2.Collection("users").Insert([]byte(`{"_id":"b","v":2}`)); err != nil {
		t.Fatalf("Insert after crash recovery: %v", err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("Commit after crash recovery: %v", err)
	}

	tx3, err := db2.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	docA, err := tx3.Collection("users").FindByID("a")
	if err != nil {
		t.Fatalf("FindByID a after post-recovery insert: %v", err)
	}
	var gotA map[string]any
	json.Unmarshal(docA, &gotA)
	if gotA["v"] != float64(1) {
		t.Fatalf("doc a corrupted after post-recovery insert = %v, want v:1", gotA)
	}
	docB, err := tx3.Collection("users").FindByID("b")
	if err != nil {
		t.Fatalf("FindByID b: %v", err)
	}
	var gotB map[string]any
	json.Unmarshal(docB, &gotB)
	if gotB["v"] != float64(2) {
		t.Fatalf("doc b = %v, want v:2", gotB)
	}
	tx3.Rollback()
}

func TestRollbackDiscardsUncommittedInsert(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	db, err := Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	createCollection(t, db, "users")

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := tx.Collection("users").Insert([]byte(`{"_id":"b","v":2}`)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	tx2, err := db2.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := tx2.Collection("users").FindByID("b"); err == nil {
		t.Fatal("expected NotFound: rolled-back insert must not be observable after reopen")
	}
	tx2.Rollback()
}

func TestBackupAndVerifyBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	db, err := Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	createCollection(t, db, "users")
	if err := db.Collection("users", func(c *CollectionHandle) error {
		_, err := c.Insert([]byte(`{"_id":"a"}`))
		return err
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	backupPath := filepath.Join(t.TempDir(), "backup")
	if err := db.Backup(backupPath); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := VerifyBackup(backupPath)
	if err != nil {
		t.Fatalf("VerifyBackup: %v", err)
	}
	if info.CatalogRoot == 0 {
		t.Fatal("expected a non-zero catalog root in the backup")
	}

	restored, err := Open(backupPath, DefaultOptions())
	if err != nil {
		t.Fatalf("Open backup: %v", err)
	}
	defer restored.Close()

	tx, err := restored.Begin()
	if err != nil {
		t.Fatalf("Begin on restored db: %v", err)
	}
	if _, err := tx.Collection("users").FindByID("a"); err != nil {
		t.Fatalf("FindByID on restored db: %v", err)
	}
	tx.Rollback()
}

func TestOpenSecondWriterOnSameFileReturnsBusy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	db, err := Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	_, err = Open(path, DefaultOptions())
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("second Open = %v, want ErrBusy", err)
	}
}

func TestReadOnlyDatabaseRejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	db, err := Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	createCollection(t, db, "users")
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ro, err := OpenReadOnly(path, DefaultOptions())
	if err != nil {
		t.Fatalf("OpenReadOnly: %v", err)
	}
	defer ro.Close()

	tx, err := ro.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback()
	if _, err := tx.Collection("users").Insert([]byte(`{}`)); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("Insert on read-only db = %v, want ErrReadOnly", err)
	}
}
