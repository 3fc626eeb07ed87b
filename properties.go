package ldb

import (
	"fmt"
	"strconv"
	"strings"
)

const propertyPrefix = "leveldb."

// GetProperty returns the value of a database property and whether the
// property exists. Supported properties:
//
//	leveldb.num-files-at-level<N>  number of files at level N
//	leveldb.stats                  per level file counts, sizes and compaction work
//	leveldb.sstables               the tables of every level
//	leveldb.approximate-memory-usage  bytes held by memtables and the block cache
//	leveldb.session-id             id of this open of the database
func (db *DB) GetProperty(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, propertyPrefix)
	if !ok {
		return "", false
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.shuttingDown.Load() || db.mem == nil {
		return "", false
	}

	if n, ok := strings.CutPrefix(rest, "num-files-at-level"); ok {
		level, err := strconv.Atoi(n)
		if err != nil || level < 0 || level >= db.opts.MaxLevels {
			return "", false
		}
		return strconv.Itoa(db.versions.NumLevelFiles(level)), true
	}

	switch rest {
	case "stats":
		var b strings.Builder
		b.WriteString("                               Compactions\n")
		b.WriteString("Level  Files Size(MB) Time(sec) Read(MB) Write(MB)\n")
		b.WriteString("--------------------------------------------------\n")
		for level := range db.opts.MaxLevels {
			files := db.versions.NumLevelFiles(level)
			s := db.stats[level]
			if files == 0 && s.duration == 0 {
				continue
			}
			fmt.Fprintf(&b, "%3d %8d %8.0f %9.0f %8.0f %9.0f\n",
				level,
				files,
				float64(db.versions.NumLevelBytes(level))/MiB,
				s.duration.Seconds(),
				float64(s.bytesRead)/MiB,
				float64(s.bytesWritten)/MiB)
		}
		return b.String(), true
	case "sstables":
		return db.versions.Current().String(), true
	case "approximate-memory-usage":
		total := db.blockCache.Usage() + int64(db.mem.ApproximateMemoryUsage())
		if db.imm != nil {
			total += int64(db.imm.ApproximateMemoryUsage())
		}
		return strconv.FormatInt(total, 10), true
	case "session-id":
		return db.sessionID, true
	}
	return "", false
}
