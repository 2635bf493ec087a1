package mapping

// Snapshot freezes the mapping table at the moment it is taken: capturing
// it clones the table once, and the clone is never mutated afterward, so
// later writes to the live table cannot be observed through the snapshot.
type Snapshot struct {
	mapping *Table
}

// NewSnapshot captures the current state of live by cloning it.
func NewSnapshot(live *Table) *Snapshot {
	return &Snapshot{mapping: live.Clone()}
}

// Mapping returns the snapshot's frozen mapping table.
func (s *Snapshot) Mapping() *Table {
	return s.mapping
}
