package ldb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFileName(t *testing.T) {
	tests := []struct {
		name string
		typ  fileType
		num  uint64
	}{
		{"100.log", logFile, 100},
		{"0.log", logFile, 0},
		{"0.ldb", tableFile, 0},
		{"000123.sst", tableFile, 123},
		{"CURRENT", currentFile, 0},
		{"LOCK", lockFile, 0},
		{"MANIFEST-2", descriptorFile, 2},
		{"MANIFEST-7", descriptorFile, 7},
		{"LOG", infoLogFile, 0},
		{"LOG.old", infoLogFile, 0},
		{"18446744073709551615.log", logFile, 18446744073709551615},
		{"000009.dbtmp", tempFile, 9},
	}
	for _, tt := range tests {
		typ, num, ok := parseFileName(tt.name)
		require.True(t, ok, tt.name)
		require.Equal(t, tt.typ, typ, tt.name)
		require.Equal(t, tt.num, num, tt.name)
	}

	for _, name := range []string{
		"",
		"foo",
		"foo-dx-100.log",
		".log",
		"manifest",
		"CURREN",
		"CURRENTX",
		"MANIFES",
		"MANIFEST",
		"MANIFEST-",
		"XMANIFEST-3",
		"MANIFEST-3x",
		"LOC",
		"LOCKx",
		"LO",
		"LOGx",
		"18446744073709551616.log",
		"184467440737095516150.log",
		"100",
		"100.",
		"100.lop",
	} {
		_, _, ok := parseFileName(name)
		require.False(t, ok, name)
	}
}

func TestGeneratedNamesParse(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		path string
		typ  fileType
	}{
		{logFileName(dir, 192), logFile},
		{tableFileName(dir, 200), tableFile},
		{sstTableFileName(dir, 201), tableFile},
		{descriptorFileName(dir, 100), descriptorFile},
		{tempFileName(dir, 999), tempFile},
	}
	for _, tt := range tests {
		require.Equal(t, dir, filepath.Dir(tt.path))
		typ, _, ok := parseFileName(filepath.Base(tt.path))
		require.True(t, ok, tt.path)
		require.Equal(t, tt.typ, typ, tt.path)
	}
}

func TestCurrentFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, setCurrentFile(dir, 12))

	name, err := readCurrentFile(dir)
	require.NoError(t, err)
	require.Equal(t, "MANIFEST-000012", name)

	// The temp file is renamed away.
	_, err = os.Stat(tempFileName(dir, 12))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadCurrentFileCorrupt(t *testing.T) {
	dir := t.TempDir()
	current := filepath.Join(dir, currentFileName)

	require.NoError(t, os.WriteFile(current, []byte("MANIFEST-000001"), 0o644))
	_, err := readCurrentFile(dir)
	require.ErrorIs(t, err, ErrCorruption)

	require.NoError(t, os.WriteFile(current, []byte("000001.log\n"), 0o644))
	_, err = readCurrentFile(dir)
	require.ErrorIs(t, err, ErrCorruption)
}
