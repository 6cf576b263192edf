package pagestore

import (
	"os"
	"time"

	"github.com/nainya/pagestore/internal/metrics"
)

// Options configures an open Database (spec §6.3's exhaustive, closed
// option set).
type Options struct {
	// CacheSize bounds the pager's page cache.
	CacheSize int

	// AutoCheckpointThreshold is the number of WAL frames accumulated
	// since the last checkpoint before one is scheduled automatically.
	// Zero disables auto-checkpointing.
	AutoCheckpointThreshold int

	// FilePermissions is the Unix mode used when creating the data file
	// and backup copies. The WAL file is always created with mode 0644,
	// and no separate lock file is created: the lock is held on the data
	// file itself.
	FilePermissions os.FileMode

	// ReadOnly opens the database refusing all write paths and taking
	// only a shared file lock, so multiple read-only processes may open
	// the same file concurrently.
	ReadOnly bool

	// MaxBulkOperations caps how many documents InsertMany accepts in a
	// single call.
	MaxBulkOperations int

	// MaxDocumentSize caps an individual document's encoded size.
	MaxDocumentSize int

	// MaxRequestBodySize is a surface-level cap collaborators may
	// enforce before handing a request to the core; advisory only, not
	// consulted by Database itself.
	MaxRequestBodySize int

	// MaxRetries, RetryBackoffBase, and MaxRetryBackoff govern
	// Database.Collection's auto-commit retry policy on ErrTxConflict.
	MaxRetries       int
	RetryBackoffBase time.Duration
	MaxRetryBackoff  time.Duration

	// Metrics, if set, receives Prometheus observations for commits,
	// checkpoints, and garbage collection. Left nil by default: building
	// one calls promauto, which registers collectors on the default
	// registry, so a process opening more than one Database must
	// construct and share a single metrics.Metrics explicitly rather
	// than have Open register duplicates.
	Metrics *metrics.Metrics
}

// DefaultOptions returns the option set a new Database should use absent
// any caller overrides.
func DefaultOptions() Options {
	return Options{
		CacheSize:               0, // pkg/pager falls back to its own default
		AutoCheckpointThreshold: 1000,
		FilePermissions:         0o644,
		MaxBulkOperations:       1000,
		MaxDocumentSize:         16 * 1024 * 1024,
		MaxRequestBodySize:      32 * 1024 * 1024,
		MaxRetries:              5,
		RetryBackoffBase:        2 * time.Millisecond,
		MaxRetryBackoff:         200 * time.Millisecond,
	}
}
