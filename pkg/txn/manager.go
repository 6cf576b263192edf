package txn

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nainya/pagestore/internal/logger"
	"github.com/nainya/pagestore/internal/metrics"
	"github.com/nainya/pagestore/pkg/catalog"
	"github.com/nainya/pagestore/pkg/codec"
	"github.com/nainya/pagestore/pkg/hooks"
	"github.com/nainya/pagestore/pkg/pager"
	"github.com/nainya/pagestore/pkg/version"
	"github.com/nainya/pagestore/pkg/wal"
)

// defaultMaxIDLen bounds a document key's length; spec §6.3 only names
// MaxDocumentSize explicitly, so this is an internal ceiling well under
// the codec's u16 id_len field, not a configurable option.
const defaultMaxIDLen = 1024

// maxBatchSize bounds how many queued commits the
// leader drains into one batch (spec §4.7 step 3).
const maxBatchSize = 64

// maxBatchWindow bounds how long the leader waits for additional
// arrivals before closing the batch, trading a little latency for a
// larger, more efficient WAL sync under load.
const maxBatchWindow = 2 * time.Millisecond

// Config configures a Manager. It mirrors the subset of spec §6.3's
// Options the storage engine itself consumes; the root package's public
// Options maps onto this.
type Config struct {
	FilePermissions         os.FileMode
	ReadOnly                bool
	CacheSize               int
	MaxDocumentSize         int
	AutoCheckpointThreshold int

	// Metrics, if set, receives commit/checkpoint/GC observations. Left
	// nil by default: constructing one registers Prometheus collectors
	// on the default registry, so callers that open more than one
	// Manager per process (tests included) must opt in explicitly
	// rather than have Open silently register duplicates.
	Metrics *metrics.Metrics
}

// Manager owns the pager, WAL, version store, and commit pipeline for
// one open database file, generalizing the teacher's single-writer
// pkg/storage/transaction.go KVTX into a group-commit, snapshot-isolated
// MVCC manager (spec §4.7).
type Manager struct {
	pager        *pager.Pager
	wal          *wal.WAL
	checkpointer *wal.Checkpointer
	versions     *version.Store
	snapshots    *version.SnapshotRegistry
	dispatcher   *hooks.Dispatcher

	limits   codec.Limits
	readOnly bool

	metrics *metrics.Metrics
	log     *logger.Logger

	stateMu           sync.RWMutex
	catalogRoot       uint64
	lastCommittedTxID uint64

	autoCheckpointThreshold int
	framesMu                sync.Mutex
	framesSinceCheckpoint   int

	commitQueue chan *commitRequest
	closeOnce   sync.Once
	closeCh     chan struct{}
	doneCh      chan struct{}

	poisonMu sync.Mutex
	poisoned error

	validatorsMu sync.Mutex
	validators   map[string]hooks.SchemaValidator
}

type commitRequest struct {
	tx     *Tx
	result chan error
}

// Open opens or creates the database at path and its companion WAL at
// path+"-wal" (spec §6.1), replaying any committed-but-not-yet-
// checkpointed transactions the WAL recovers before accepting new work.
func Open(path string, cfg Config) (*Manager, error) {
	var pgr *pager.Pager
	var err error
	if cfg.ReadOnly {
		pgr, err = pager.OpenReadOnly(path, cfg.CacheSize)
	} else {
		perm := cfg.FilePermissions
		if perm == 0 {
			perm = 0o644
		}
		pgr, err = pager.Open(path, perm, cfg.CacheSize)
	}
	if err != nil {
		return nil, fmt.Errorf("txn: open data file: %w", err)
	}

	w, recovered, meta, err := wal.Open(path + "-wal")
	if err != nil {
		pgr.Close()
		return nil, fmt.Errorf("txn: open wal: %w", err)
	}

	lastTxID := pgr.LastCommittedTxID()
	for _, tx := range recovered {
		for pageNum, payload := range tx.Pages {
			if err := pgr.WritePage(pageNum, payload); err != nil {
				pgr.Close()
				w.Close()
				return nil, fmt.Errorf("txn: replay txid %d page %d: %w", tx.TxID, pageNum, err)
			}
		}
		if tx.TxID > lastTxID {
			lastTxID = tx.TxID
		}
	}
	pgr.SetLastCommittedTxID(lastTxID)
	// The data file's own header page is only ever rewritten at a
	// checkpoint, so after replaying frames a crash left un-checkpointed,
	// it can be stale: restore the catalog root and page count from the
	// last durable commit frame's CommitMeta instead of trusting it.
	if meta != nil {
		pgr.SetCatalogRoot(meta.CatalogRoot)
		pgr.SetPageCount(meta.PageCount)
	}

	maxDoc := cfg.MaxDocumentSize
	if maxDoc <= 0 {
		maxDoc = 16 * 1024 * 1024
	}

	m := &Manager{
		pager:       pgr,
		wal:         w,
		versions:    version.New(),
		snapshots:   version.NewSnapshotRegistry(),
		dispatcher:  hooks.NewDispatcher(),
		limits:      codec.Limits{MaxIDLen: defaultMaxIDLen, MaxDocSize: maxDoc},
		readOnly:    cfg.ReadOnly,
		catalogRoot: pgr.CatalogRoot(),

		metrics: cfg.Metrics,
		log:     logger.GetGlobalLogger().TxnLogger("manager"),

		lastCommittedTxID:       lastTxID,
		autoCheckpointThreshold: cfg.AutoCheckpointThreshold,

		commitQueue: make(chan *commitRequest, maxBatchSize),
		closeCh:     make(chan struct{}),
		doneCh:      make(chan struct{}),
		validators:  make(map[string]hooks.SchemaValidator),
	}

	sink := &checkpointSink{pager: pgr}
	m.checkpointer = wal.NewCheckpointer(w, sink.apply, sink.sync, m.snapshotFloor, pgr.SetLastCommittedTxID)
	for _, tx := range recovered {
		m.checkpointer.Track(tx)
	}

	m.log.Info("database opened").Str("path", path).Bool("read_only", cfg.ReadOnly).Send()

	if !cfg.ReadOnly {
		m.checkpointer.Start()
		go m.committer()
	}
	return m, nil
}

// checkpointSink adapts Manager's pager into wal.Checkpointer's
// per-page Apply/syncData contract: Apply stages a page's bytes into
// the pager cache, and sync flushes every page staged since the last
// call plus the header in one Pager.Checkpoint call, the only path that
// actually commits page bytes to the data file (spec §4.3).
type checkpointSink struct {
	pager *pager.Pager
	mu    sync.Mutex
	dirty []uint64
}

func (s *checkpointSink) apply(pageNum uint64, payload []byte) error {
	if err := s.pager.WritePage(pageNum, payload); err != nil {
		return err
	}
	s.mu.Lock()
	s.dirty = append(s.dirty, pageNum)
	s.mu.Unlock()
	return nil
}

func (s *checkpointSink) sync() error {
	s.mu.Lock()
	pages := s.dirty
	s.dirty = nil
	s.mu.Unlock()
	return s.pager.Checkpoint(pages)
}

func (m *Manager) snapshotFloor() (uint64, bool) {
	return m.snapshots.Floor()
}

func (m *Manager) poisonedErr() error {
	m.poisonMu.Lock()
	defer m.poisonMu.Unlock()
	return m.poisoned
}

func (m *Manager) poison(err error) {
	m.poisonMu.Lock()
	if m.poisoned == nil {
		m.poisoned = fmt.Errorf("%w: %v", ErrPoisoned, err)
	}
	m.poisonMu.Unlock()
}

// validate calls the registered SchemaValidator for collection, if any.
func (m *Manager) validate(collection string, doc []byte) error {
	m.validatorsMu.Lock()
	v, ok := m.validators[collection]
	m.validatorsMu.Unlock()
	if !ok {
		return nil
	}
	return v.Validate(doc)
}

// RegisterValidator associates a SchemaValidator with collection;
// subsequent Insert/Update calls run it before buffering the write.
// Runtime-only: not persisted, not transactional (spec §4.9).
func (m *Manager) RegisterValidator(collection string, v hooks.SchemaValidator) {
	m.validatorsMu.Lock()
	defer m.validatorsMu.Unlock()
	if v == nil {
		delete(m.validators, collection)
		return
	}
	m.validators[collection] = v
}

// Subscribe registers w to receive watch events for every committed
// transaction, returning a handle for Unsubscribe.
func (m *Manager) Subscribe(w hooks.Watcher) int { return m.dispatcher.Subscribe(w) }

// Unsubscribe removes a previously registered watcher.
func (m *Manager) Unsubscribe(id int) { m.dispatcher.Unsubscribe(id) }

// Begin starts a new snapshot-isolated transaction: it captures the
// current catalog root and last committed txid under a brief state
// read lock and registers the snapshot so GC and checkpointing never
// reclaim pages it may still need.
func (m *Manager) Begin() (*Tx, error) {
	select {
	case <-m.closeCh:
		return nil, ErrClosed
	default:
	}
	if err := m.poisonedErr(); err != nil {
		return nil, err
	}

	m.stateMu.RLock()
	snapTxID := m.lastCommittedTxID
	catalogRoot := m.catalogRoot
	m.stateMu.RUnlock()

	m.snapshots.Register(snapTxID)
	return &Tx{mgr: m, snapTxID: snapTxID, catalogRoot: catalogRoot, state: Active}, nil
}

// submit enqueues tx on the commit queue and waits for the group-commit
// leader to process it.
func (m *Manager) submit(tx *Tx) error {
	if err := m.poisonedErr(); err != nil {
		return err
	}
	req := &commitRequest{tx: tx, result: make(chan error, 1)}
	select {
	case m.commitQueue <- req:
	case <-m.closeCh:
		return ErrClosed
	}
	return <-req.result
}

// committer is the permanent group-commit leader: a single background
// goroutine draining the queue and batching whatever has accumulated,
// simplifying spec §4.7's per-commit leader-election into one long-
// lived owner that achieves the same batching without a condvar
// election race on every commit.
func (m *Manager) committer() {
	defer close(m.doneCh)
	for {
		select {
		case first, ok := <-m.commitQueue:
			if !ok {
				return
			}
			batch := []*commitRequest{first}
			deadline := time.Now().Add(maxBatchWindow)
		drain:
			for len(batch) < maxBatchSize && time.Now().Before(deadline) {
				select {
				case req, ok := <-m.commitQueue:
					if !ok {
						break drain
					}
					batch = append(batch, req)
				default:
					break drain
				}
			}
			m.processBatch(batch)
		case <-m.closeCh:
			return
		}
	}
}

// Checkpoint runs spec §4.3's checkpoint algorithm immediately.
func (m *Manager) Checkpoint() error {
	start := time.Now()
	err := m.checkpointer.Checkpoint()
	duration := time.Since(start)
	if m.metrics != nil {
		m.metrics.RecordCheckpoint(duration)
		hits, misses := m.pager.CacheStats()
		m.metrics.UpdateCacheStats(hits, misses)
		m.metrics.UpdatePagerStats(int64(m.pager.PageCount())*int64(pager.PageSize), int64(m.pager.PageCount()))
	}
	m.log.LogCheckpoint(int(m.pager.PageCount()), duration, err)
	return err
}

// CloseWithoutCheckpoint tears down the background goroutines and
// releases the file locks without running a final checkpoint, standing
// in for a process that dies right after a WAL-durable commit. Close
// always checkpoints before returning, so it can never be used to
// observe a stale on-disk header; this exists for tests and tooling that
// need to simulate exactly that.
func (m *Manager) CloseWithoutCheckpoint() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closeCh)
		if m.readOnly {
			err = m.pager.CloseWithoutCheckpoint()
			return
		}
		<-m.doneCh
		m.checkpointer.Stop()
		if werr := m.wal.Close(); werr != nil {
			err = werr
			return
		}
		err = m.pager.CloseWithoutCheckpoint()
	})
	return err
}

// GarbageCollect runs spec §4.8's version-chain and freed-page
// reclamation immediately. Nothing runs it in the background: freed
// pages reach the pager's free list only through a call to this method.
func (m *Manager) GarbageCollect() {
	start := time.Now()
	minActive, ok := m.snapshots.Floor()
	if !ok {
		m.stateMu.RLock()
		minActive = m.lastCommittedTxID
		m.stateMu.RUnlock()
	}
	reclaimed := 0
	m.versions.GarbageCollect(minActive, func(page uint64) {
		reclaimed++
		m.pager.FreePage(page)
	})
	if m.metrics != nil {
		m.metrics.RecordGarbageCollect(reclaimed)
	}
	m.log.LogGarbageCollect(reclaimed, time.Since(start))
}

// Close stops the background committer and checkpointer, runs a final
// checkpoint, and closes the WAL and data file.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closeCh)
		if m.readOnly {
			err = m.pager.Close()
			return
		}
		<-m.doneCh
		m.checkpointer.Stop()
		if cerr := m.Checkpoint(); cerr != nil {
			err = cerr
		}
		if werr := m.wal.Close(); werr != nil && err == nil {
			err = werr
		}
		if perr := m.pager.Close(); perr != nil && err == nil {
			err = perr
		}
	})
	return err
}
