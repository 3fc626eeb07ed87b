package ldb

import (
	"github.com/twlk9/ldb/iterator"
	"github.com/twlk9/ldb/keys"
)

// Compaction describes one compaction: the files of level and level+1
// that are merged, plus the level+2 files used to decide where to cut
// output tables.
type Compaction struct {
	level             int
	maxOutputFileSize int64
	maxGrandParent    int64
	inputVersion      *Version
	edit              *VersionEdit
	icmp              *keys.InternalComparator

	// Each compaction reads inputs from level and level+1
	inputs [2][]*FileMetadata

	// State used to check for the number of overlapping grandparent
	// files (parent == level+1, grandparent == level+2)
	grandparents     []*FileMetadata
	grandparentIndex int
	seenKey          bool
	overlappedBytes  int64

	// levelPtrs holds indices into inputVersion.files. Keys handed to
	// isBaseLevelForKey only increase, so the search can resume where
	// it left off.
	levelPtrs []int
}

func newCompaction(opts *Options, icmp *keys.InternalComparator, level int) *Compaction {
	return &Compaction{
		level:             level,
		maxOutputFileSize: opts.TargetFileSize(level),
		maxGrandParent:    opts.maxGrandParentOverlapBytes(),
		edit:              NewVersionEdit(),
		icmp:              icmp,
		levelPtrs:         make([]int, opts.MaxLevels),
	}
}

// Level is the level being compacted; outputs go to Level()+1.
func (c *Compaction) Level() int {
	return c.level
}

func (c *Compaction) numInputFiles(which int) int {
	return len(c.inputs[which])
}

// isTrivialMove reports whether the compaction can be done by moving
// the single input file down a level.
func (c *Compaction) isTrivialMove() bool {
	// Avoid a move if there is lots of overlapping grandparent data.
	// Otherwise, the move could create a parent file that will require
	// a very expensive merge later on.
	return c.numInputFiles(0) == 1 && c.numInputFiles(1) == 0 &&
		totalFileSize(c.grandparents) <= c.maxGrandParent
}

// addInputDeletions records the removal of every input in edit.
func (c *Compaction) addInputDeletions(edit *VersionEdit) {
	for which := range 2 {
		for _, f := range c.inputs[which] {
			edit.DeleteFile(c.level+which, f.FileNum)
		}
	}
}

// isBaseLevelForKey reports whether no level below the output level
// holds data for ukey.
func (c *Compaction) isBaseLevelForKey(ukey []byte) bool {
	ucmp := c.icmp.User()
	files := c.inputVersion.files
	for lvl := c.level + 2; lvl < len(files); lvl++ {
		for c.levelPtrs[lvl] < len(files[lvl]) {
			f := files[lvl][c.levelPtrs[lvl]]
			if ucmp.Compare(ukey, f.LargestKey.UserKey()) <= 0 {
				// We've advanced far enough
				if ucmp.Compare(ukey, f.SmallestKey.UserKey()) >= 0 {
					// Key falls in this file's range, so definitely not base level
					return false
				}
				break
			}
			c.levelPtrs[lvl]++
		}
	}
	return true
}

// shouldStopBefore reports whether the current output should be
// finished before ikey is added, because it already overlaps too much
// of the grandparent level.
func (c *Compaction) shouldStopBefore(ikey keys.EncodedKey) bool {
	for c.grandparentIndex < len(c.grandparents) &&
		c.icmp.Compare(ikey, c.grandparents[c.grandparentIndex].LargestKey) > 0 {
		if c.seenKey {
			c.overlappedBytes += int64(c.grandparents[c.grandparentIndex].Size)
		}
		c.grandparentIndex++
	}
	c.seenKey = true

	if c.overlappedBytes > c.maxGrandParent {
		// Too much overlap for current output; start new output
		c.overlappedBytes = 0
		return true
	}
	return false
}

// releaseInputs drops the reference on the input version.
func (c *Compaction) releaseInputs() {
	if c.inputVersion != nil {
		c.inputVersion.Unref()
		c.inputVersion = nil
	}
}

// getRange returns the smallest and largest internal keys in files.
func getRange(icmp *keys.InternalComparator, files ...[]*FileMetadata) (smallest, largest keys.EncodedKey) {
	for _, group := range files {
		for _, f := range group {
			if smallest == nil || icmp.Compare(f.SmallestKey, smallest) < 0 {
				smallest = f.SmallestKey
			}
			if largest == nil || icmp.Compare(f.LargestKey, largest) > 0 {
				largest = f.LargestKey
			}
		}
	}
	return smallest, largest
}

// findSmallestBoundaryFile returns the file in levelFiles with the
// smallest key that shares a user key with largestKey but sorts after it.
func findSmallestBoundaryFile(icmp *keys.InternalComparator, levelFiles []*FileMetadata, largestKey keys.EncodedKey) *FileMetadata {
	ucmp := icmp.User()
	var boundary *FileMetadata
	for _, f := range levelFiles {
		if icmp.Compare(f.SmallestKey, largestKey) > 0 &&
			ucmp.Compare(f.SmallestKey.UserKey(), largestKey.UserKey()) == 0 {
			if boundary == nil || icmp.Compare(f.SmallestKey, boundary.SmallestKey) < 0 {
				boundary = f
			}
		}
	}
	return boundary
}

// addBoundaryInputs extends compactionFiles with the files of the same
// level that continue its last user key. Leaving them out would move
// newer entries of a key below older ones still in this level.
func addBoundaryInputs(icmp *keys.InternalComparator, levelFiles []*FileMetadata, compactionFiles []*FileMetadata) []*FileMetadata {
	_, largestKey := getRange(icmp, compactionFiles)
	if largestKey == nil {
		return compactionFiles
	}
	for {
		boundary := findSmallestBoundaryFile(icmp, levelFiles, largestKey)
		if boundary == nil {
			return compactionFiles
		}
		compactionFiles = append(compactionFiles, boundary)
		largestKey = boundary.LargestKey
	}
}

// pickCompaction chooses the next compaction, preferring levels that
// are over their size budget to files that have absorbed too many
// seeks. It returns nil when there is nothing to do. Requires the DB
// mutex.
func (vs *VersionSet) pickCompaction() *Compaction {
	current := vs.current
	sizeCompaction := current.compactionScore >= 1
	seekCompaction := current.fileToCompact != nil

	var c *Compaction
	switch {
	case sizeCompaction:
		level := current.compactionLevel
		c = newCompaction(vs.opts, vs.icmp, level)
		// Pick the first file that comes after the last compaction
		// point of this level, wrapping around to the start.
		for _, f := range current.files[level] {
			if len(vs.compactPointers[level]) == 0 || vs.icmp.Compare(f.LargestKey, vs.compactPointers[level]) > 0 {
				c.inputs[0] = append(c.inputs[0], f)
				break
			}
		}
		if len(c.inputs[0]) == 0 && len(current.files[level]) > 0 {
			c.inputs[0] = append(c.inputs[0], current.files[level][0])
		}
	case seekCompaction:
		c = newCompaction(vs.opts, vs.icmp, current.fileToCompactLevel)
		c.inputs[0] = append(c.inputs[0], current.fileToCompact)
	default:
		return nil
	}
	if len(c.inputs[0]) == 0 {
		return nil
	}

	c.inputVersion = current
	current.Ref()

	// Files in level 0 may overlap each other, so pick up all overlapping ones
	if c.level == 0 {
		smallest, largest := getRange(vs.icmp, c.inputs[0])
		c.inputs[0] = current.getOverlappingInputs(0, smallest, largest)
	}

	vs.setupOtherInputs(c)
	return c
}

// setupOtherInputs fills in the level+1 inputs and the grandparents of
// c, widening the level inputs when that pulls in no more level+1 files.
func (vs *VersionSet) setupOtherInputs(c *Compaction) {
	current := c.inputVersion
	level := c.level
	icmp := vs.icmp

	c.inputs[0] = addBoundaryInputs(icmp, current.files[level], c.inputs[0])
	smallest, largest := getRange(icmp, c.inputs[0])

	c.inputs[1] = current.getOverlappingInputs(level+1, smallest, largest)
	c.inputs[1] = addBoundaryInputs(icmp, current.files[level+1], c.inputs[1])

	allStart, allLimit := getRange(icmp, c.inputs[0], c.inputs[1])

	// See if we can grow the number of inputs in level without changing
	// the number of level+1 files we pick up.
	if len(c.inputs[1]) > 0 {
		expanded0 := current.getOverlappingInputs(level, allStart, allLimit)
		expanded0 = addBoundaryInputs(icmp, current.files[level], expanded0)
		inputs1Size := totalFileSize(c.inputs[1])
		expanded0Size := totalFileSize(expanded0)
		if len(expanded0) > len(c.inputs[0]) &&
			inputs1Size+expanded0Size < vs.opts.expandedCompactionByteSizeLimit() {
			newStart, newLimit := getRange(icmp, expanded0)
			expanded1 := current.getOverlappingInputs(level+1, newStart, newLimit)
			expanded1 = addBoundaryInputs(icmp, current.files[level+1], expanded1)
			if len(expanded1) == len(c.inputs[1]) {
				vs.logger.Info("COMPACTION_EXPANDED",
					"level", level,
					"from_files", len(c.inputs[0]), "to_files", len(expanded0),
					"level_plus_one_files", len(c.inputs[1]),
					"bytes", inputs1Size+expanded0Size)
				largest = newLimit
				c.inputs[0] = expanded0
				c.inputs[1] = expanded1
				allStart, allLimit = getRange(icmp, c.inputs[0], c.inputs[1])
			}
		}
	}

	if level+2 < vs.numLevels {
		c.grandparents = current.getOverlappingInputs(level+2, allStart, allLimit)
	}

	// Update the place where we will do the next compaction for this
	// level. This is done now rather than when the compaction is
	// installed so that a failed compaction tries a different range.
	vs.compactPointers[level] = cloneKey(largest)
	c.edit.setCompactPointer(level, largest)
}

// compactRange returns a compaction of the files in level that overlap
// [begin, end], or nil if there are none. nil bounds are unbounded.
func (vs *VersionSet) compactRange(level int, begin, end keys.EncodedKey) *Compaction {
	current := vs.current
	inputs := current.getOverlappingInputs(level, begin, end)
	if len(inputs) == 0 {
		return nil
	}

	// Avoid compacting too much in one shot in case the range is large.
	// Level 0 files overlap, so dropping one of them could make a newer
	// entry sink below an older one that stays behind.
	if level > 0 {
		limit := vs.opts.TargetFileSize(level)
		var total int64
		for i, f := range inputs {
			total += int64(f.Size)
			if total >= limit {
				inputs = inputs[:i+1]
				break
			}
		}
	}

	c := newCompaction(vs.opts, vs.icmp, level)
	c.inputVersion = current
	current.Ref()
	c.inputs[0] = inputs
	vs.setupOtherInputs(c)
	return c
}

// makeInputIterator returns a merged iterator over the inputs of c.
func (vs *VersionSet) makeInputIterator(c *Compaction) iterator.Iterator {
	ro := &ReadOptions{VerifyChecksums: vs.opts.ParanoidChecks, FillCache: false}

	// Level 0 files need one iterator each; the other level needs one
	// concatenating iterator.
	var list []iterator.Iterator
	for which := range 2 {
		if len(c.inputs[which]) == 0 {
			continue
		}
		if c.level+which == 0 {
			for _, f := range c.inputs[which] {
				list = append(list, vs.tableCache.newIterator(ro, f.FileNum, f.Size))
			}
		} else {
			list = append(list, newConcatenatingIterator(vs, ro, c.inputs[which]))
		}
	}
	return iterator.NewMerging(vs.icmp, list...)
}
