// Package version implements MVCC version chains and their garbage
// collection, spec §4.8. Repurposed from the shape of the teacher's
// pkg/version/store.go (a typed store layered over the KV, partitioned
// by key, with time-ordered history) but storing
// (collection, key) -> []Entry{committedTxID, oldPage, newPage} instead
// of document version history, and replacing the teacher's temporal
// query methods with water-mark pruning against a live-snapshot
// registry.
package version

import "sync"

// Key identifies one document's version chain.
type Key struct {
	Collection string
	DocKey     string
}

// Entry is one committed version of a document: the page that held the
// prior image, the page that now holds the new one, and the txid that
// made the change visible.
type Entry struct {
	CommittedTxID uint64
	OldPage       uint64
	NewPage       uint64
}

// Store holds every collection's version chains plus the set of pages
// freed by each committed transaction, pending GC promotion to the
// pager's persistent free list.
type Store struct {
	mu     sync.RWMutex
	chains map[Key][]Entry
	freed  map[uint64][]uint64 // txid -> pages it freed
}

// New returns an empty version store.
func New() *Store {
	return &Store{
		chains: make(map[Key][]Entry),
		freed:  make(map[uint64][]uint64),
	}
}

// Record appends a new committed version to key's chain.
func (s *Store) Record(key Key, committedTxID, oldPage, newPage uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains[key] = append(s.chains[key], Entry{CommittedTxID: committedTxID, OldPage: oldPage, NewPage: newPage})
}

// LatestCommit returns the highest committed txid recorded against key,
// for the write-write conflict check in spec §4.7: a transaction
// conflicts if any committed version of a key it wrote carries a txid
// greater than the transaction's own snap_txid.
func (s *Store) LatestCommit(key Key) (txid uint64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.chains[key]
	if len(entries) == 0 {
		return 0, false
	}
	return entries[len(entries)-1].CommittedTxID, true
}

// RecordFreed associates pages with the transaction that freed them; they
// become eligible for reuse only once GarbageCollect proves no live
// snapshot can still observe them.
func (s *Store) RecordFreed(txid uint64, pages []uint64) {
	if len(pages) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freed[txid] = append(s.freed[txid], pages...)
}

// GarbageCollect releases every page freed by a transaction at or below
// minActiveSnap (spec §4.8: min_active_snap is the oldest live
// snapshot's snap_txid, or last_committed_txid if no snapshot is
// registered) and prunes version-chain entries no live snapshot could
// still need. release is called once per page that is now safe to hand
// back to the pager's free list; the caller holds no lock while release
// runs, since the walk operates on a local copy of the structures.
func (s *Store) GarbageCollect(minActiveSnap uint64, release func(page uint64)) {
	s.mu.Lock()
	freedCopy := s.freed
	s.freed = make(map[uint64][]uint64)
	chainsCopy := make(map[Key][]Entry, len(s.chains))
	for key, entries := range s.chains {
		chainsCopy[key] = entries
	}
	s.mu.Unlock()

	var reclaimable []uint64
	remaining := make(map[uint64][]uint64, len(freedCopy))
	for txid, pages := range freedCopy {
		if txid <= minActiveSnap {
			reclaimable = append(reclaimable, pages...)
		} else {
			remaining[txid] = pages
		}
	}

	prunedChains := make(map[Key][]Entry, len(chainsCopy))
	for key, entries := range chainsCopy {
		kept := entries
		// Keep the newest entry at or below the water mark (it may still
		// be the version a lagging snapshot needs) plus everything above
		// it; drop strictly older entries at or below the water mark.
		cut := -1
		for i, e := range entries {
			if e.CommittedTxID <= minActiveSnap {
				cut = i
			}
		}
		if cut > 0 {
			kept = append([]Entry(nil), entries[cut:]...)
		}
		if len(kept) > 0 {
			prunedChains[key] = kept
		}
	}

	s.mu.Lock()
	for txid, pages := range remaining {
		s.freed[txid] = append(s.freed[txid], pages...)
	}
	for key, entries := range prunedChains {
		if existing, ok := s.chains[key]; ok && len(existing) > len(chainsCopy[key]) {
			// New entries arrived while GC ran; keep them, they are
			// necessarily newer than anything this pass considered.
			continue
		}
		s.chains[key] = entries
	}
	s.mu.Unlock()

	for _, page := range reclaimable {
		release(page)
	}
}

// SnapshotRegistry tracks currently-live snapshots by their snap_txid,
// the water mark GarbageCollect and the WAL checkpointer both consult.
type SnapshotRegistry struct {
	mu    sync.Mutex
	alive map[uint64]int // snap_txid -> number of open transactions holding it
}

// NewSnapshotRegistry returns an empty registry.
func NewSnapshotRegistry() *SnapshotRegistry {
	return &SnapshotRegistry{alive: make(map[uint64]int)}
}

// Register records a new live snapshot at snapTxID.
func (r *SnapshotRegistry) Register(snapTxID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alive[snapTxID]++
}

// Release drops one reference to snapTxID, removing it from the registry
// once no transaction holds it.
func (r *SnapshotRegistry) Release(snapTxID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.alive[snapTxID] <= 1 {
		delete(r.alive, snapTxID)
		return
	}
	r.alive[snapTxID]--
}

// Floor returns the lowest snap_txid currently registered. ok is false
// if no snapshot is live.
func (r *SnapshotRegistry) Floor() (txid uint64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	first := true
	for snap := range r.alive {
		if first || snap < txid {
			txid = snap
			first = false
		}
	}
	return txid, !first
}
