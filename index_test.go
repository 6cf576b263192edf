package pagestore

import "testing"

func TestFindByIndexReturnsMatchingDocuments(t *testing.T) {
	db := openTestDatabase(t)
	createCollection(t, db, "users")

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	c := tx.Collection("users")
	if err := c.CreateIndex("team"); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if _, err := c.Insert([]byte(`{"_id":"a","team":"red"}`)); err != nil {
		t.Fatalf("Insert a: %v", err)
	}
	if _, err := c.Insert([]byte(`{"_id":"b","team":"blue"}`)); err != nil {
		t.Fatalf("Insert b: %v", err)
	}
	if _, err := c.Insert([]byte(`{"_id":"c","team":"red"}`)); err != nil {
		t.Fatalf("Insert c: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	var got []string
	if err := tx2.Collection("users").FindByIndex("team", "red", func(id string, _ []byte) bool {
		got = append(got, id)
		return true
	}); err != nil {
		t.Fatalf("FindByIndex: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %v", got)
	}
}

func TestUpdateMovesIndexEntry(t *testing.T) {
	db := openTestDatabase(t)
	createCollection(t, db, "users")

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	c := tx.Collection("users")
	if err := c.CreateIndex("team"); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if _, err := c.Insert([]byte(`{"_id":"a","team":"red"}`)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx2.Collection("users").UpdateByID("a", []byte(`{"team":"blue"}`)); err != nil {
		t.Fatalf("UpdateByID: %v", err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx3, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	c3 := tx3.Collection("users")

	var red, blue int
	c3.FindByIndex("team", "red", func(string, []byte) bool { red++; return true })
	c3.FindByIndex("team", "blue", func(string, []byte) bool { blue++; return true })
	if red != 0 || blue != 1 {
		t.Fatalf("expected red=0 blue=1, got red=%d blue=%d", red, blue)
	}
}

func TestDeleteRemovesIndexEntry(t *testing.T) {
	db := openTestDatabase(t)
	createCollection(t, db, "users")

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	c := tx.Collection("users")
	if err := c.CreateIndex("team"); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if _, err := c.Insert([]byte(`{"_id":"a","team":"red"}`)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx2.Collection("users").DeleteByID("a"); err != nil {
		t.Fatalf("DeleteByID: %v", err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx3, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	var count int
	if err := tx3.Collection("users").FindByIndex("team", "red", func(string, []byte) bool { count++; return true }); err != nil {
		t.Fatalf("FindByIndex: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 matches after delete, got %d", count)
	}
}

func TestCreateIndexBackfillsExistingDocuments(t *testing.T) {
	db := openTestDatabase(t)
	createCollection(t, db, "users")

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	c := tx.Collection("users")
	if _, err := c.Insert([]byte(`{"_id":"a","age":30.0}`)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := c.Insert([]byte(`{"_id":"b","age":25.0}`)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx2.Collection("users").CreateIndex("age"); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx3, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	var ids []string
	if err := tx3.Collection("users").RangeByIndex("age", 20.0, 28.0, func(id string, _ []byte) bool {
		ids = append(ids, id)
		return true
	}); err != nil {
		t.Fatalf("RangeByIndex: %v", err)
	}
	if len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("expected only doc b in [20,28), got %v", ids)
	}
}
