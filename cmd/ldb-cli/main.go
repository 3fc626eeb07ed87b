// ldb-cli inspects and maintains ldb databases.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"github.com/twlk9/ldb"
	"github.com/twlk9/ldb/keys"
	"github.com/twlk9/ldb/sstable"
	"github.com/twlk9/ldb/wal"
	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

var optionsFile = flag.String("options", "", "YAML options file applied over the defaults")

func main() {
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	commands := map[string]func([]string) error{
		"list":     listCommand,
		"dump":     dumpCommand,
		"manifest": manifestCommand,
		"compact":  compactCommand,
		"verify":   verifyCommand,
		"props":    propsCommand,
		"layout":   layoutCommand,
		"repair":   repairCommand,
		"get":      getCommand,
		"scan":     scanCommand,
	}

	switch cmd := args[0]; cmd {
	case "version":
		fmt.Printf("ldb-cli version %s\n", version)
	case "help":
		printUsage()
	default:
		run, ok := commands[cmd]
		if !ok {
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
			printUsage()
			os.Exit(1)
		}
		if err := run(args[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

func printUsage() {
	fmt.Printf(`ldb-cli - Command line tool for inspecting ldb databases

Usage:
  ldb-cli [-options file.yaml] <command> [arguments]

Commands:
  list <db_path>                  Tables per level with sizes and key ranges
  dump <db_path> <file_number>    Entries of one table file
  manifest <db_path>              Version edits recorded in the current MANIFEST
  compact <db_path>               Compact the whole database
  verify <db_path>                Check the checksum of every block of every table
  props <db_path>                 Database statistics
  layout                          Level sizes implied by the options
  repair <db_path>                Rebuild the MANIFEST from the table files
  get <db_path> <key>             Print the value of a key
  scan <db_path> [prefix]         Print keys and values, optionally by prefix
  version                         Show version information
  help                            Show this help message

Keys and prefixes accept \xNN escapes, e.g. "user\x00id".

`)
}

func loadOptions(dbPath string) (*ldb.Options, error) {
	opts := ldb.DefaultOptions()
	if *optionsFile != "" {
		var err error
		if opts, err = ldb.LoadOptions(*optionsFile); err != nil {
			return nil, err
		}
	}
	if dbPath != "" {
		opts.Path = dbPath
	}
	return opts, nil
}

// openExisting opens a database that must already exist.
func openExisting(dbPath string) (*ldb.DB, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database directory does not exist: %s", dbPath)
	}
	opts, err := loadOptions(dbPath)
	if err != nil {
		return nil, err
	}
	opts.CreateIfMissing = false
	db, err := ldb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func requireArgs(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: ldb-cli %s", usage)
	}
	return nil
}

func listCommand(args []string) error {
	if err := requireArgs(args, 1, "list <db_path>"); err != nil {
		return err
	}
	db, err := openExisting(args[0])
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Printf("Database: %s\n\n", args[0])
	tables, _ := db.GetProperty("leveldb.sstables")
	if strings.TrimSpace(tables) == "" {
		fmt.Println("No tables found in database")
		return nil
	}
	fmt.Print(tables)
	return nil
}

// tableFiles returns the numbers and paths of the table files in dir.
func tableFiles(dir string) ([]uint64, map[uint64]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	var nums []uint64
	paths := make(map[uint64]string)
	for _, e := range entries {
		name := e.Name()
		base, ok := strings.CutSuffix(name, ".ldb")
		if !ok {
			base, ok = strings.CutSuffix(name, ".sst")
		}
		if !ok {
			continue
		}
		num, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		nums = append(nums, num)
		paths[num] = filepath.Join(dir, name)
	}
	slices.Sort(nums)
	return nums, paths, nil
}

func openTable(opts *ldb.Options, path string, num uint64) (*sstable.SSTableReader, error) {
	return sstable.NewSSTableReader(path, sstable.ReaderOpts{
		Comparator:     keys.NewInternalComparator(keys.Bytewise),
		FilterPolicy:   opts.FilterPolicy,
		FileNum:        num,
		ParanoidChecks: true,
		Logger:         slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
}

func dumpCommand(args []string) error {
	if err := requireArgs(args, 2, "dump <db_path> <file_number>"); err != nil {
		return err
	}
	num, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid file number: %s", args[1])
	}
	_, paths, err := tableFiles(args[0])
	if err != nil {
		return err
	}
	path, ok := paths[num]
	if !ok {
		return fmt.Errorf("table %06d does not exist in %s", num, args[0])
	}
	opts, err := loadOptions(args[0])
	if err != nil {
		return err
	}

	r, err := openTable(opts, path, num)
	if err != nil {
		return fmt.Errorf("failed to open table: %w", err)
	}
	defer r.Close()

	fmt.Printf("Table: %s\n", path)
	fmt.Printf("File size: %s\n\n", formatBytes(uint64(r.Size())))
	fmt.Printf("%-6s %-30s %-10s %-8s %s\n", "Index", "Key", "Seq", "Type", "Value")

	it := r.NewIterator(sstable.ReadOptions{VerifyChecksums: true})
	defer it.Close()
	count := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		count++
		ukey, seq, kind, err := keys.Parse(it.Key())
		if err != nil {
			fmt.Printf("%-6d <corrupt key %x>\n", count, []byte(it.Key()))
			continue
		}
		kindStr := "SET"
		if kind == keys.KindDelete {
			kindStr = "DELETE"
		}
		fmt.Printf("%-6d %-30s %-10d %-8s %s\n", count, formatKey(ukey, 28), seq, kindStr, formatValue(it.Value(), 40))
		if count >= 1000 {
			fmt.Println("... (showing first 1000 entries)")
			break
		}
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("iterator error: %w", err)
	}
	fmt.Printf("\nTotal entries shown: %d\n", count)
	return nil
}

func manifestCommand(args []string) error {
	if err := requireArgs(args, 1, "manifest <db_path>"); err != nil {
		return err
	}
	opts, err := loadOptions(args[0])
	if err != nil {
		return err
	}
	current, err := os.ReadFile(filepath.Join(args[0], "CURRENT"))
	if err != nil {
		return err
	}
	name := strings.TrimSuffix(string(current), "\n")
	f, err := os.Open(filepath.Join(args[0], name))
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Printf("Manifest: %s\n", name)
	r := wal.NewReader(f, func(dropped int, err error) {
		fmt.Printf("!! dropped %d bytes: %v\n", dropped, err)
	}, true)
	defer r.Close()
	for i := 1; ; i++ {
		rec, err := r.ReadRecord()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		edit := ldb.NewVersionEdit()
		if err := edit.Decode(rec, opts.MaxLevels); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		fmt.Printf("--- edit %d ---\n%s\n", i, edit)
	}
}

func compactCommand(args []string) error {
	if err := requireArgs(args, 1, "compact <db_path>"); err != nil {
		return err
	}
	db, err := openExisting(args[0])
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Printf("Starting manual compaction of database: %s\n", args[0])
	fmt.Printf("Before: %s\n", levelCounts(db))
	if err := db.CompactRange(nil, nil); err != nil {
		return fmt.Errorf("compaction failed: %w", err)
	}
	fmt.Printf("After:  %s\n", levelCounts(db))
	return nil
}

func levelCounts(db *ldb.DB) string {
	var parts []string
	for level := 0; ; level++ {
		n, ok := db.GetProperty(fmt.Sprintf("leveldb.num-files-at-level%d", level))
		if !ok {
			break
		}
		parts = append(parts, fmt.Sprintf("L%d=%s", level, n))
	}
	return strings.Join(parts, " ")
}

type verifyResult struct {
	entries int
	err     error
}

func verifyCommand(args []string) error {
	if err := requireArgs(args, 1, "verify <db_path>"); err != nil {
		return err
	}
	opts, err := loadOptions(args[0])
	if err != nil {
		return err
	}
	nums, paths, err := tableFiles(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Verifying %d tables in %s\n", len(nums), args[0])

	results := make([]verifyResult, len(nums))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, num := range nums {
		g.Go(func() error {
			results[i] = verifyTable(opts, paths[num], num)
			return nil
		})
	}
	g.Wait()

	bad, total := 0, 0
	for i, res := range results {
		if res.err != nil {
			bad++
			fmt.Printf("  %06d: %v\n", nums[i], res.err)
			continue
		}
		total += res.entries
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d tables are damaged", bad, len(nums))
	}
	fmt.Printf("Verified %d entries in %d tables\n", total, len(nums))
	return nil
}

func verifyTable(opts *ldb.Options, path string, num uint64) verifyResult {
	r, err := openTable(opts, path, num)
	if err != nil {
		return verifyResult{err: err}
	}
	defer r.Close()

	var res verifyResult
	var prev keys.EncodedKey
	icmp := keys.NewInternalComparator(keys.Bytewise)
	it := r.NewIterator(sstable.ReadOptions{VerifyChecksums: true})
	for it.SeekToFirst(); it.Valid(); it.Next() {
		k := it.Key()
		if prev != nil && icmp.Compare(prev, k) >= 0 {
			it.Close()
			return verifyResult{err: fmt.Errorf("keys out of order at entry %d", res.entries)}
		}
		prev = append(prev[:0], k...)
		res.entries++
	}
	if err := it.Error(); err != nil {
		res.err = err
	}
	it.Close()
	return res
}

func propsCommand(args []string) error {
	if err := requireArgs(args, 1, "props <db_path>"); err != nil {
		return err
	}
	db, err := openExisting(args[0])
	if err != nil {
		return err
	}
	defer db.Close()

	stats, _ := db.GetProperty("leveldb.stats")
	fmt.Print(stats)
	mem, _ := db.GetProperty("leveldb.approximate-memory-usage")
	fmt.Printf("\nApproximate memory usage: %s\n", mem)
	return nil
}

// layoutCommand prints the size budget of each level, which is what
// decides when a level is compacted into the next.
func layoutCommand(args []string) error {
	opts, err := loadOptions("")
	if err != nil {
		return err
	}
	fmt.Printf("Write buffer:  %s\n", formatBytes(uint64(opts.WriteBufferSize)))
	fmt.Printf("Table size:    %s\n", formatBytes(uint64(opts.MaxFileSize)))
	fmt.Printf("L0 triggers:   compact at %d files, slow at %d, stop at %d\n\n",
		opts.L0CompactionTrigger, opts.L0SlowdownWritesTrigger, opts.L0StopWritesTrigger)

	fmt.Printf("%-6s %12s %8s\n", "Level", "Max size", "Tables")
	var total uint64
	for level := 1; level < opts.MaxLevels; level++ {
		size := uint64(opts.GetLevelMaxBytes(level))
		total += size
		fmt.Printf("L%-5d %12s %8d\n", level, formatBytes(size), size/uint64(opts.TargetFileSize(level)))
	}
	fmt.Printf("\nCapacity before the last level overflows: %s\n", formatBytes(total))
	return nil
}

func repairCommand(args []string) error {
	if err := requireArgs(args, 1, "repair <db_path>"); err != nil {
		return err
	}
	opts, err := loadOptions(args[0])
	if err != nil {
		return err
	}
	opts.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	return ldb.Repair(opts)
}

func getCommand(args []string) error {
	if err := requireArgs(args, 2, "get <db_path> <key>"); err != nil {
		return err
	}
	db, err := openExisting(args[0])
	if err != nil {
		return err
	}
	defer db.Close()

	value, err := db.Get(decodeEscapes(args[1]))
	if err != nil {
		return err
	}
	fmt.Println(formatValue(value, 1<<20))
	return nil
}

func scanCommand(args []string) error {
	if err := requireArgs(args, 1, "scan <db_path> [prefix]"); err != nil {
		return err
	}
	db, err := openExisting(args[0])
	if err != nil {
		return err
	}
	defer db.Close()

	var prefix []byte
	if len(args) > 1 {
		prefix = decodeEscapes(args[1])
	}
	it := db.NewIterator(&ldb.ReadOptions{FillCache: false})
	defer it.Close()
	count := 0
	for it.Seek(prefix); it.Valid(); it.Next() {
		if !strings.HasPrefix(string(it.Key()), string(prefix)) {
			break
		}
		count++
		fmt.Printf("%s => %s\n", formatKey(it.Key(), 60), formatValue(it.Value(), 60))
	}
	if err := it.Error(); err != nil {
		return err
	}
	fmt.Printf("\n%d keys\n", count)
	return nil
}

// decodeEscapes turns \xNN sequences into bytes.
func decodeEscapes(s string) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if i+4 <= len(s) && s[i:i+2] == `\x` {
			if b, err := strconv.ParseUint(s[i+2:i+4], 16, 8); err == nil {
				out = append(out, byte(b))
				i += 3
				continue
			}
		}
		out = append(out, s[i])
	}
	return out
}

func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatKey(key []byte, maxLen int) string {
	if len(key) == 0 {
		return "<empty>"
	}
	var b strings.Builder
	for _, c := range key {
		if c >= 32 && c <= 126 {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "\\x%02x", c)
		}
	}
	str := b.String()
	if len(str) > maxLen {
		return str[:maxLen-3] + "..."
	}
	return str
}

func formatValue(value []byte, maxLen int) string {
	return formatKey(value, maxLen)
}
