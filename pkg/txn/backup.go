package txn

import "os"

// CopyDataFileTo copies the data file's current, checkpointed contents
// to dest, holding the state lock for the duration so no concurrent
// commit can mutate the file mid-copy (spec §6.2's Database::backup).
// Callers are expected to have already run Checkpoint so the copy
// reflects every committed write, not just what has reached the data
// file from the WAL so far.
func (m *Manager) CopyDataFileTo(dest string, perm os.FileMode) error {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.pager.CopyTo(dest, perm)
}
