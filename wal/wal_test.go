package wal

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/twlk9/ldb/coding"
	"github.com/twlk9/ldb/keys"
)

func makeOpts(dir string, fn uint64, bytesPerSync int) WALOpts {
	return WALOpts{
		Path:         filepath.Join(dir, fmt.Sprintf("%06d.log", fn)),
		BytesPerSync: bytesPerSync,
	}
}

// bigString repeats partial to exactly n bytes
func bigString(partial string, n int) string {
	var sb strings.Builder
	for sb.Len() < n {
		sb.WriteString(partial)
	}
	return sb.String()[:n]
}

func numberString(n int) string {
	return fmt.Sprintf("%d.", n)
}

func randomSkewedString(i int, rnd *rand.Rand) string {
	return bigString(numberString(i), rnd.Intn(1<<uint(rnd.Intn(17))))
}

func writeRecords(t *testing.T, dir string, records ...string) string {
	t.Helper()
	opts := makeOpts(dir, 1, 0)
	w, err := NewWriter(opts)
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}
	for _, r := range records {
		if err := w.AddRecord([]byte(r)); err != nil {
			t.Fatalf("Failed to add record: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close WAL: %v", err)
	}
	return opts.Path
}

type readResult struct {
	records  []string
	err      error
	reported int
}

func readAll(t *testing.T, path string) readResult {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read WAL: %v", err)
	}
	return readBytes(data)
}

func readBytes(data []byte) readResult {
	var res readResult
	r := NewReader(bytes.NewReader(data), func(dropped int, err error) {
		res.reported += dropped
	}, true)
	defer r.Close()
	for {
		rec, err := r.ReadRecord()
		if err != nil {
			res.err = err
			return res
		}
		res.records = append(res.records, string(rec))
	}
}

func expectRecords(t *testing.T, got readResult, want ...string) {
	t.Helper()
	if len(got.records) != len(want) {
		t.Fatalf("Expected %d records, got %d (err=%v)", len(want), len(got.records), got.err)
	}
	for i := range want {
		if got.records[i] != want[i] {
			t.Errorf("Record %d: expected %d bytes, got %d bytes", i, len(want[i]), len(got.records[i]))
		}
	}
}

func TestWALEmpty(t *testing.T) {
	path := writeRecords(t, t.TempDir())
	res := readAll(t, path)
	if len(res.records) != 0 || res.err != io.EOF {
		t.Errorf("Expected clean EOF on empty log, got %v records, err=%v", len(res.records), res.err)
	}
}

func TestWALReadWrite(t *testing.T) {
	path := writeRecords(t, t.TempDir(), "foo", "bar", "", "xxxx")
	res := readAll(t, path)
	expectRecords(t, res, "foo", "bar", "", "xxxx")
	if res.err != io.EOF {
		t.Errorf("Expected io.EOF, got %v", res.err)
	}
}

func TestWALManyBlocks(t *testing.T) {
	var records []string
	for i := 0; i < 100000; i++ {
		records = append(records, numberString(i))
	}
	res := readAll(t, writeRecords(t, t.TempDir(), records...))
	expectRecords(t, res, records...)
}

func TestWALFragmentation(t *testing.T) {
	records := []string{"small", bigString("medium", 50000), bigString("large", 100000)}
	res := readAll(t, writeRecords(t, t.TempDir(), records...))
	expectRecords(t, res, records...)
}

func TestWALMarginalTrailer(t *testing.T) {
	// Make a trailer that is exactly the same length as an empty record.
	n := BlockSize - 2*HeaderSize
	records := []string{bigString("foo", n), "", "bar"}
	path := writeRecords(t, t.TempDir(), records...)
	info, _ := os.Stat(path)
	if info.Size() != int64(BlockSize+HeaderSize+3) {
		t.Errorf("Unexpected file size %d", info.Size())
	}
	expectRecords(t, readAll(t, path), records...)
}

func TestWALShortTrailer(t *testing.T) {
	n := BlockSize - 2*HeaderSize + 4
	records := []string{bigString("foo", n), "", "bar"}
	expectRecords(t, readAll(t, writeRecords(t, t.TempDir(), records...)), records...)
}

func TestWALAlignedEOF(t *testing.T) {
	n := BlockSize - 2*HeaderSize + 4
	path := writeRecords(t, t.TempDir(), bigString("foo", n))
	info, _ := os.Stat(path)
	if info.Size() != int64(BlockSize-HeaderSize+4) {
		t.Errorf("Unexpected file size %d", info.Size())
	}
	res := readAll(t, path)
	expectRecords(t, res, bigString("foo", n))
	if res.err != io.EOF {
		t.Errorf("Expected io.EOF, got %v", res.err)
	}
}

func TestWALRandomRead(t *testing.T) {
	const n = 500
	rnd := rand.New(rand.NewSource(301))
	var records []string
	for i := 0; i < n; i++ {
		records = append(records, randomSkewedString(i, rnd))
	}
	expectRecords(t, readAll(t, writeRecords(t, t.TempDir(), records...)), records...)
}

func TestWALChecksumMismatch(t *testing.T) {
	path := writeRecords(t, t.TempDir(), "foooooo")
	data, _ := os.ReadFile(path)
	data[HeaderSize+2] ^= 0x01

	res := readBytes(data)
	if len(res.records) != 0 {
		t.Errorf("Expected no records, got %d", len(res.records))
	}
	if !errors.Is(res.err, keys.ErrCorruption) {
		t.Errorf("Expected corruption, got %v", res.err)
	}
	if res.reported != HeaderSize+7 {
		t.Errorf("Expected %d dropped bytes, got %d", HeaderSize+7, res.reported)
	}
}

// fixChecksum recomputes the chunk checksum after a test edits the header
func fixChecksum(data []byte, off, length int) {
	crc := coding.CRC(data[off+6 : off+HeaderSize+length])
	coding.PutFixed32(data[off:], coding.MaskCRC(crc))
}

func TestWALUnexpectedChunkTypes(t *testing.T) {
	testCases := []struct {
		name string
		typ  recordType
	}{
		{"middle", middleType},
		{"last", lastType},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeRecords(t, t.TempDir(), "foo")
			data, _ := os.ReadFile(path)
			data[6] = byte(tc.typ)
			fixChecksum(data, 0, 3)

			res := readBytes(data)
			if !errors.Is(res.err, keys.ErrCorruption) {
				t.Errorf("Expected corruption, got %v", res.err)
			}
			if res.reported != 3 {
				t.Errorf("Expected 3 dropped bytes, got %d", res.reported)
			}
		})
	}
}

func TestWALUnexpectedFirstType(t *testing.T) {
	path := writeRecords(t, t.TempDir(), "foo", bigString("bar", 100000))
	data, _ := os.ReadFile(path)
	data[6] = byte(firstType)
	fixChecksum(data, 0, 3)

	res := readBytes(data)
	if len(res.records) != 0 {
		t.Errorf("Expected no records before corruption, got %d", len(res.records))
	}
	if !errors.Is(res.err, keys.ErrCorruption) {
		t.Errorf("Expected corruption, got %v", res.err)
	}
}

func TestWALTruncatedTail(t *testing.T) {
	path := writeRecords(t, t.TempDir(), "foo", bigString("bar", 100))
	data, _ := os.ReadFile(path)

	for _, cut := range []int{1, HeaderSize + 50, HeaderSize + 99} {
		res := readBytes(data[:len(data)-cut])
		expectRecords(t, res, "foo")
		if res.err != io.ErrUnexpectedEOF {
			t.Errorf("cut %d: expected io.ErrUnexpectedEOF, got %v", cut, res.err)
		}
		if res.reported != 0 {
			t.Errorf("cut %d: torn tail must not be reported as corruption", cut)
		}
	}
}

func TestWALTornFragmentedRecord(t *testing.T) {
	path := writeRecords(t, t.TempDir(), "foo", bigString("bar", 2*BlockSize))
	data, _ := os.ReadFile(path)

	// Keep the First chunk but lose the rest.
	res := readBytes(data[:BlockSize])
	expectRecords(t, res, "foo")
	if res.err != io.ErrUnexpectedEOF {
		t.Errorf("Expected io.ErrUnexpectedEOF, got %v", res.err)
	}
}

func TestWALBadLength(t *testing.T) {
	payload := BlockSize - 2*HeaderSize - 3
	path := writeRecords(t, t.TempDir(), bigString("bar", payload), "foo")
	data, _ := os.ReadFile(path)
	// Claim a length that runs past the end of the first block.
	data[4] = 0xff
	data[5] = 0xff

	res := readBytes(data)
	if !errors.Is(res.err, keys.ErrCorruption) {
		t.Errorf("Expected corruption, got %v", res.err)
	}
}

func TestWALChunkLayout(t *testing.T) {
	path := writeRecords(t, t.TempDir(), "hello")
	data, _ := os.ReadFile(path)
	if len(data) != HeaderSize+5 {
		t.Fatalf("Expected %d bytes, got %d", HeaderSize+5, len(data))
	}
	if data[4] != 5 || data[5] != 0 || recordType(data[6]) != fullType {
		t.Errorf("Unexpected header %x", data[:HeaderSize])
	}
	want := coding.MaskCRC(coding.CRC(append([]byte{byte(fullType)}, "hello"...)))
	if got := coding.Fixed32(data); got != want {
		t.Errorf("Expected checksum %#x, got %#x", want, got)
	}
}
