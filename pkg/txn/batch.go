package txn

import (
	"fmt"
	"time"

	"github.com/nainya/pagestore/pkg/btree"
	"github.com/nainya/pagestore/pkg/catalog"
	"github.com/nainya/pagestore/pkg/hooks"
	"github.com/nainya/pagestore/pkg/wal"
)

type settledCommit struct {
	req    *commitRequest
	txid   uint64
	dirty  map[uint64][]byte
	freed  []uint64
	events []hooks.Event

	// catalogRoot and pageCount are the page manager's header fields as
	// of right after this transaction's own applyTx call — not the
	// batch's final state — so each commit's WAL frame durably records
	// exactly the header state that transaction produced.
	catalogRoot uint64
	pageCount   uint64
}

// processBatch implements spec §4.7 steps 4-7: validate each queued
// transaction against the version store, apply (or rebase — the same
// call, see applyTx) its buffered operations against the batch's
// evolving catalog, write one WAL commit record per success, publish
// the new state under the state write lock, and wake every waiter.
//
// It holds Manager.stateMu (the "state (write)" lock) for the whole
// batch, satisfying spec §5's lock ordering (commit queue -> state
// write -> version chains write -> pager cache -> WAL append): the
// commit queue was already drained via channel receive before this is
// called, and version-chain/pager/WAL access below all happens while
// state is held.
func (m *Manager) processBatch(batch []*commitRequest) {
	start := time.Now()
	locked := true
	m.stateMu.Lock()
	defer func() {
		if locked {
			m.stateMu.Unlock()
		}
		if r := recover(); r != nil {
			err := fmt.Errorf("txn: fatal error during commit: %v", r)
			m.poison(err)
			for _, req := range batch {
				select {
				case req.result <- err:
				default:
				}
			}
		}
	}()

	baselineTxID := m.lastCommittedTxID
	numConflicts := 0
	numErrors := 0

	var currentDirty map[uint64][]byte
	var currentFreed []uint64
	ps := btree.PageSource{
		Get: func(ptr uint64) []byte {
			buf, err := m.pager.ReadPage(ptr)
			if err != nil {
				panic(fmt.Errorf("txn: read page %d: %w", ptr, err))
			}
			return buf
		},
		New: func(img []byte) uint64 {
			n, err := m.pager.AllocPage(img)
			if err != nil {
				panic(fmt.Errorf("txn: allocate page: %w", err))
			}
			if currentDirty != nil {
				currentDirty[n] = img
			}
			return n
		},
		Del: func(ptr uint64) {
			currentFreed = append(currentFreed, ptr)
		},
	}

	cat := catalog.Open(m.catalogRoot, ps)

	var succeeded []settledCommit
	for _, req := range batch {
		tx := req.tx

		conflict := false
		for _, k := range tx.writeKeys() {
			if committed, ok := m.versions.LatestCommit(k); ok && committed > tx.snapTxID && committed <= baselineTxID {
				conflict = true
				break
			}
		}
		if conflict {
			numConflicts++
			select {
			case req.result <- ErrTxConflict:
			default:
			}
			continue
		}

		preTxRoot := cat.Root()
		currentDirty = map[uint64][]byte{}
		currentFreed = nil
		events, writes, err := applyTx(cat, ps, m.limits, tx)
		if err != nil {
			numErrors++
			// applyTx mutates cat in place; if it failed partway through
			// tx's ops, the ones that already ran (e.g. an earlier Insert
			// in the same tx before a later duplicate-key Insert) are
			// still live in cat's tree. Reopening at preTxRoot discards
			// them so a later tx in this batch — and the catalogRoot
			// this batch eventually publishes — never observes a failed
			// transaction's partial writes.
			cat = catalog.Open(preTxRoot, ps)
			select {
			case req.result <- err:
			default:
			}
			continue
		}

		newTxID := m.lastCommittedTxID + 1
		m.lastCommittedTxID = newTxID
		for _, w := range writes {
			m.versions.Record(w.key, newTxID, w.oldPage, w.newPage)
		}
		succeeded = append(succeeded, settledCommit{
			req: req, txid: newTxID, dirty: currentDirty, freed: currentFreed, events: events,
			catalogRoot: cat.Root(), pageCount: m.pager.PageCount(),
		})
	}

	if len(succeeded) == 0 {
		locked = false
		m.stateMu.Unlock()
		m.recordBatchOutcome(0, numConflicts, numErrors, start)
		return
	}

	for _, s := range succeeded {
		for pageNum, payload := range s.dirty {
			if err := m.wal.AppendPage(s.txid, pageNum, payload); err != nil {
				panic(fmt.Errorf("txn: append wal frame: %w", err))
			}
			if m.metrics != nil {
				m.metrics.WalFramesAppendedTotal.Inc()
			}
		}
		meta := wal.CommitMeta{CatalogRoot: s.catalogRoot, PageCount: s.pageCount}
		if err := m.wal.AppendCommit(s.txid, meta); err != nil {
			panic(fmt.Errorf("txn: append wal commit: %w", err))
		}
	}
	fsyncStart := time.Now()
	if err := m.wal.Fsync(); err != nil {
		panic(fmt.Errorf("txn: fsync wal: %w", err))
	}
	if m.metrics != nil {
		m.metrics.RecordWalFsync(time.Since(fsyncStart))
	}

	m.catalogRoot = cat.Root()
	m.pager.SetCatalogRoot(m.catalogRoot)
	m.pager.SetLastCommittedTxID(m.lastCommittedTxID)

	totalFrames := 0
	for _, s := range succeeded {
		if len(s.freed) > 0 {
			m.versions.RecordFreed(s.txid, s.freed)
		}
		m.checkpointer.Track(wal.Transaction{TxID: s.txid, Pages: s.dirty})
		totalFrames += len(s.dirty)
	}

	locked = false
	m.stateMu.Unlock()

	// Wake every waiter (publish happens-before wake, spec §5) before
	// fanning out watch events: a caller that observes commit() -> Ok
	// is guaranteed the effects are visible, independent of whether any
	// watcher has processed them yet.
	for _, s := range succeeded {
		select {
		case s.req.result <- nil:
		default:
		}
	}
	for _, s := range succeeded {
		for _, ev := range s.events {
			m.dispatcher.Dispatch(ev)
		}
	}

	if m.autoCheckpointThreshold > 0 {
		m.framesMu.Lock()
		m.framesSinceCheckpoint += totalFrames
		due := m.framesSinceCheckpoint >= m.autoCheckpointThreshold
		if due {
			m.framesSinceCheckpoint = 0
		}
		m.framesMu.Unlock()
		if due {
			go func() {
				if err := m.Checkpoint(); err != nil {
					m.poison(err)
				}
			}()
		}
	}

	m.recordBatchOutcome(len(succeeded), numConflicts, numErrors, start)
}

// recordBatchOutcome reports one processBatch call's outcome to the
// configured Metrics/logger, if any. Called after the batch's waiters
// have already been woken, so this never sits on the commit path's
// latency.
func (m *Manager) recordBatchOutcome(committed, conflicts, errs int, start time.Time) {
	duration := time.Since(start)
	if m.metrics != nil {
		if committed > 0 {
			m.metrics.RecordCommit("ok", duration)
			m.metrics.RecordCommitBatch(committed)
		}
		for i := 0; i < conflicts; i++ {
			m.metrics.RecordCommit("conflict", 0)
		}
		for i := 0; i < errs; i++ {
			m.metrics.RecordCommit("error", 0)
		}
	}
	m.log.LogCommit(committed+conflicts+errs, duration, nil)
}
