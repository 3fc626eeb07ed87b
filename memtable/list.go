package memtable

// RefMemTableList takes the active memtable and the immutable one (if
// any) and returns them as a list after incrementing their references.
func RefMemTableList(mt *MemTable, imm *MemTable) []*MemTable {
	mems := make([]*MemTable, 0, 2)
	mems = append(mems, mt)
	if imm != nil {
		mems = append(mems, imm)
	}

	for _, m := range mems {
		m.Ref()
	}
	return mems
}

// UnRefMemTableList decrements the references and that's it. Just a
// helper function
func UnRefMemTableList(mems []*MemTable) {
	for _, m := range mems {
		m.Unref()
	}
}
