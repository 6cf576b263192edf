package pagestore

import (
	"errors"
	"math/rand"
	"time"

	"github.com/nainya/pagestore/pkg/hooks"
	"github.com/nainya/pagestore/pkg/pager"
	"github.com/nainya/pagestore/pkg/txn"
)

// Database is one open data file and its companion WAL. It is safe for
// concurrent use by multiple goroutines: Begin, Collection, Checkpoint,
// and GarbageCollect may all be called from different goroutines at
// once, mirroring the teacher's KV being shared behind its own internal
// locks rather than requiring external synchronization.
type Database struct {
	mgr  *txn.Manager
	opts Options
}

// Open opens or creates the database file at path under opts (spec
// §6.2's Database::open).
func Open(path string, opts Options) (*Database, error) {
	return open(path, opts)
}

// OpenReadOnly opens path refusing all write paths, taking only a
// shared file lock so multiple read-only processes may open the same
// file concurrently.
func OpenReadOnly(path string, opts Options) (*Database, error) {
	opts.ReadOnly = true
	return open(path, opts)
}

func open(path string, opts Options) (*Database, error) {
	cfg := txn.Config{
		FilePermissions:         opts.FilePermissions,
		ReadOnly:                opts.ReadOnly,
		CacheSize:               opts.CacheSize,
		MaxDocumentSize:         opts.MaxDocumentSize,
		AutoCheckpointThreshold: opts.AutoCheckpointThreshold,
		Metrics:                 opts.Metrics,
	}
	mgr, err := txn.Open(path, cfg)
	if err != nil {
		if errors.Is(err, pager.ErrBusy) {
			return nil, ErrBusy
		}
		return nil, &Io{Path: path, Err: err}
	}
	return &Database{mgr: mgr, opts: opts}, nil
}

// Close stops the background committer and checkpointer, runs a final
// checkpoint, and releases the file lock.
func (db *Database) Close() error { return db.mgr.Close() }

// Checkpoint runs spec §4.3's checkpoint algorithm immediately.
func (db *Database) Checkpoint() error { return db.mgr.Checkpoint() }

// CloseWithoutCheckpoint tears down the database without a final
// checkpoint, for tests simulating a crash right after a WAL-durable
// commit; ordinary shutdown should always use Close.
func (db *Database) CloseWithoutCheckpoint() error { return db.mgr.CloseWithoutCheckpoint() }

// GarbageCollect reclaims version-chain entries and pages no longer
// visible to any live snapshot.
func (db *Database) GarbageCollect() { db.mgr.GarbageCollect() }

// Begin starts a new snapshot-isolated transaction.
func (db *Database) Begin() (*Transaction, error) {
	tx, err := db.mgr.Begin()
	if err != nil {
		return nil, err
	}
	return &Transaction{tx: tx, opts: &db.opts}, nil
}

// RegisterValidator associates a SchemaValidator with collection;
// runtime-only, not persisted (spec §4.9).
func (db *Database) RegisterValidator(collection string, v hooks.SchemaValidator) {
	db.mgr.RegisterValidator(collection, v)
}

// Subscribe registers w to receive a watch event for every committed
// write, across every collection.
func (db *Database) Subscribe(w hooks.Watcher) int { return db.mgr.Subscribe(w) }

// Unsubscribe removes a previously registered watcher.
func (db *Database) Unsubscribe(id int) { db.mgr.Unsubscribe(id) }

// Collection wraps a single operation in its own auto-commit
// transaction, retrying with bounded exponential backoff on
// ErrTxConflict per Options.MaxRetries/RetryBackoffBase/MaxRetryBackoff
// (spec §6.2's short-form wrapper). fn must not call Commit or Rollback
// on the handle's transaction itself.
func (db *Database) Collection(name string, fn func(c *CollectionHandle) error) error {
	backoff := db.opts.RetryBackoffBase
	if backoff <= 0 {
		backoff = 2 * time.Millisecond
	}
	maxBackoff := db.opts.MaxRetryBackoff
	if maxBackoff <= 0 {
		maxBackoff = 200 * time.Millisecond
	}
	maxRetries := db.opts.MaxRetries

	for attempt := 0; ; attempt++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		opErr := fn(tx.Collection(name))
		if opErr != nil {
			tx.Rollback()
			return opErr
		}
		commitErr := tx.Commit()
		if commitErr == nil {
			return nil
		}
		if !errors.Is(commitErr, ErrTxConflict) || attempt >= maxRetries {
			return commitErr
		}

		sleep := backoff
		if sleep > maxBackoff {
			sleep = maxBackoff
		}
		jitter := time.Duration(rand.Int63n(int64(sleep) + 1))
		time.Sleep(sleep/2 + jitter/2)
		backoff *= 2
	}
}

// BackupInfo describes a completed Database.Backup / VerifyBackup
// result.
type BackupInfo struct {
	Path              string
	PageCount         uint64
	CatalogRoot       uint64
	LastCommittedTxID uint64
}

// Backup copies the current, checkpointed contents of the data file to
// dest. It runs a checkpoint first so the backup contains every
// committed write, not just what has been flushed from the WAL so far.
func (db *Database) Backup(dest string) error {
	if err := db.mgr.Checkpoint(); err != nil {
		return err
	}
	return db.mgr.CopyDataFileTo(dest, db.opts.FilePermissions)
}

// VerifyBackup opens path read-only, checks its header for internal
// consistency, and returns a summary without mutating anything.
func VerifyBackup(path string) (BackupInfo, error) {
	pgr, err := pager.OpenReadOnly(path, 0)
	if err != nil {
		if errors.Is(err, pager.ErrBusy) {
			return BackupInfo{}, ErrBusy
		}
		return BackupInfo{}, &Io{Path: path, Err: err}
	}
	defer pgr.Close()

	return BackupInfo{
		Path:              path,
		PageCount:         pgr.PageCount(),
		CatalogRoot:       pgr.CatalogRoot(),
		LastCommittedTxID: pgr.LastCommittedTxID(),
	}, nil
}

