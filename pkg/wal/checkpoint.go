package wal

import (
	"fmt"
	"sync"
	"time"
)

// DefaultCheckpointInterval mirrors the teacher's background-checkpoint
// cadence, long enough that it only matters for idle databases — most
// checkpoints in practice are triggered by the frame-count threshold.
const DefaultCheckpointInterval = 10 * time.Minute

// SnapshotFloor reports the lowest snap_txid among currently live
// snapshots, or ok == false if no snapshot is registered (in which case
// the checkpoint boundary is bounded only by the newest committed txid).
// pkg/txn's snapshot registry implements this.
type SnapshotFloor func() (txid uint64, ok bool)

// Apply writes a durable page image to the data file at the given page
// number. pkg/pager.Pager.WritePage implements this.
type Apply func(pageNum uint64, payload []byte) error

// Checkpointer drives checkpointing the way the teacher's Checkpointer
// does — a flush callback plus an optional background ticker — but the
// flush here is spec §4.3's real checkpoint algorithm rather than a bare
// marker write: select checkpoint_upto_txid, copy durable frames up to
// it into the data file, sync, truncate the WAL.
//
// The WAL is only ever truncated once every pending transaction has been
// applied; a checkpoint bounded by a long-lived snapshot still copies
// what it safely can to the data file but leaves the WAL intact until
// the remainder clears, trading log growth for never rewriting frames
// in place.
type Checkpointer struct {
	wal      *WAL
	interval time.Duration
	apply    Apply
	syncData func() error
	floor    SnapshotFloor

	mu         sync.Mutex
	lastTxID   uint64
	pendingTxs []Transaction
	setTxIDFn  func(uint64)

	stopCh      chan struct{}
	doneCh      chan struct{}
	runningOnce sync.Once
}

// NewCheckpointer constructs a checkpointer. apply persists one page to
// the data file; syncData fsyncs it; floor reports the oldest live
// snapshot's txid boundary; setLastCommittedTxID records the new
// checkpoint watermark in the file header.
func NewCheckpointer(w *WAL, apply Apply, syncData func() error, floor SnapshotFloor, setLastCommittedTxID func(uint64)) *Checkpointer {
	return &Checkpointer{
		wal:       w,
		interval:  DefaultCheckpointInterval,
		apply:     apply,
		syncData:  syncData,
		floor:     floor,
		setTxIDFn: setLastCommittedTxID,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Track records a newly durable (WAL-committed) transaction so a later
// Checkpoint call knows which page images it may copy to the data file.
func (c *Checkpointer) Track(tx Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingTxs = append(c.pendingTxs, tx)
	if tx.TxID > c.lastTxID {
		c.lastTxID = tx.TxID
	}
}

// Start begins the background checkpoint ticker.
func (c *Checkpointer) Start() {
	go c.run()
}

// Stop halts the background ticker and waits for it to exit.
func (c *Checkpointer) Stop() {
	c.runningOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

func (c *Checkpointer) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = c.Checkpoint()
		case <-c.stopCh:
			return
		}
	}
}

// Checkpoint implements spec §4.3: select checkpoint_upto_txid as the
// newest committed txid no live snapshot still depends on, write every
// durable page image with txid <= that boundary to the data file, sync
// it, then truncate the WAL back to its header if nothing newer remains.
// Resolves the Open Question in spec §9 by deferring entirely to floor:
// a checkpoint never advances past the oldest live snapshot.
func (c *Checkpointer) Checkpoint() error {
	c.mu.Lock()
	pending := c.pendingTxs
	newest := c.lastTxID
	c.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	upto := newest
	if c.floor != nil {
		if floorTxID, ok := c.floor(); ok && floorTxID > 0 && floorTxID-1 < upto {
			upto = floorTxID - 1
		}
	}

	var applied []uint64
	remaining := make([]Transaction, 0, len(pending))
	for _, tx := range pending {
		if tx.TxID > upto {
			remaining = append(remaining, tx)
			continue
		}
		for pageNum, payload := range tx.Pages {
			if err := c.apply(pageNum, payload); err != nil {
				return fmt.Errorf("wal: checkpoint apply page %d: %w", pageNum, err)
			}
		}
		applied = append(applied, tx.TxID)
	}

	if len(applied) == 0 {
		return nil
	}

	if err := c.syncData(); err != nil {
		return fmt.Errorf("wal: checkpoint sync data file: %w", err)
	}

	if len(remaining) == 0 {
		if err := c.wal.Truncate(); err != nil {
			return fmt.Errorf("wal: checkpoint truncate: %w", err)
		}
	}

	c.setTxIDFn(upto)

	c.mu.Lock()
	c.pendingTxs = remaining
	c.mu.Unlock()

	return nil
}

// SetInterval changes the background checkpoint cadence.
func (c *Checkpointer) SetInterval(d time.Duration) { c.interval = d }
