package ldb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

type fileType int

const (
	logFile fileType = iota
	lockFile
	tableFile
	descriptorFile
	currentFile
	tempFile
	infoLogFile
)

const (
	currentFileName = "CURRENT"
	lockFileName    = "LOCK"
	infoLogName     = "LOG"
	oldInfoLogName  = "LOG.old"
)

func (t fileType) String() string {
	switch t {
	case logFile:
		return "log"
	case lockFile:
		return "lock"
	case tableFile:
		return "table"
	case descriptorFile:
		return "manifest"
	case currentFile:
		return "current"
	case tempFile:
		return "temp"
	case infoLogFile:
		return "info-log"
	}
	return "unknown"
}

func logFileName(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.log", num))
}

func tableFileName(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.ldb", num))
}

// sstTableFileName is the name older LevelDB releases used for tables.
// It is read but never written.
func sstTableFileName(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.sst", num))
}

func descriptorFileName(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("MANIFEST-%06d", num))
}

func tempFileName(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.dbtmp", num))
}

// parseFileName reports the type and number of a file that belongs to a
// database. Numbers are accepted with any amount of padding.
func parseFileName(name string) (fileType, uint64, bool) {
	switch name {
	case currentFileName:
		return currentFile, 0, true
	case lockFileName:
		return lockFile, 0, true
	case infoLogName, oldInfoLogName:
		return infoLogFile, 0, true
	}

	if rest, ok := strings.CutPrefix(name, "MANIFEST-"); ok {
		num, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		return descriptorFile, num, true
	}

	dot := strings.IndexByte(name, '.')
	if dot <= 0 {
		return 0, 0, false
	}
	num, err := strconv.ParseUint(name[:dot], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	switch name[dot:] {
	case ".log":
		return logFile, num, true
	case ".ldb", ".sst":
		return tableFile, num, true
	case ".dbtmp":
		return tempFile, num, true
	}
	return 0, 0, false
}

// setCurrentFile points CURRENT at the given manifest. The new contents
// are written and synced to a temp file first so CURRENT is replaced
// atomically.
func setCurrentFile(dir string, descriptorNum uint64) error {
	contents := filepath.Base(descriptorFileName(dir, descriptorNum)) + "\n"
	tmp := tempFileName(dir, descriptorNum)

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return ioError(err)
	}
	if _, err := f.WriteString(contents); err != nil {
		f.Close()
		os.Remove(tmp)
		return ioError(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return ioError(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return ioError(err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, currentFileName)); err != nil {
		os.Remove(tmp)
		return ioError(err)
	}
	return syncDir(dir)
}

// readCurrentFile returns the manifest file name CURRENT points at.
func readCurrentFile(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, currentFileName))
	if err != nil {
		return "", ioError(err)
	}
	s := string(data)
	if len(s) == 0 || s[len(s)-1] != '\n' {
		return "", fmt.Errorf("%w: CURRENT file does not end with newline", ErrCorruption)
	}
	name := s[:len(s)-1]
	if t, _, ok := parseFileName(name); !ok || t != descriptorFile {
		return "", fmt.Errorf("%w: CURRENT names %q, not a manifest", ErrCorruption, name)
	}
	return name, nil
}

// syncDir flushes directory entries so renames and creations survive a
// crash. EINVAL from file systems that cannot sync directories is
// ignored.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return ioError(err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
		return ioError(err)
	}
	return nil
}
