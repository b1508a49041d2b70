// file_names.go implements the filesystem layout from spec.md: naming,
// parsing, and obsolete-file cleanup for the files a database directory
// holds (CURRENT, LOCK, LOG, WAL segments, SST files, MANIFEST files).
package db

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

type fileType int

const (
	fileTypeUnknown fileType = iota
	fileTypeLog
	fileTypeTable
	fileTypeManifest
	fileTypeCurrent
	fileTypeLock
	fileTypeInfoLog
	fileTypeTemp
)

// parseFileName classifies a directory entry per spec.md's filesystem
// layout and extracts its file number where one applies.
func parseFileName(name string) (number uint64, typ fileType, ok bool) {
	switch name {
	case "CURRENT":
		return 0, fileTypeCurrent, true
	case "LOCK":
		return 0, fileTypeLock, true
	case "LOG", "LOG.old":
		return 0, fileTypeInfoLog, true
	}

	if rest, found := strings.CutPrefix(name, "MANIFEST-"); found {
		n, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return 0, fileTypeUnknown, false
		}
		return n, fileTypeManifest, true
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	n, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, fileTypeUnknown, false
	}
	switch ext {
	case ".log":
		return n, fileTypeLog, true
	case ".sst", ".ldb":
		return n, fileTypeTable, true
	case ".dbtmp":
		return n, fileTypeTemp, true
	default:
		return 0, fileTypeUnknown, false
	}
}

// deleteObsoleteFiles scans the database directory and removes any file
// that is no longer referenced by the current Version, the live WAL, or
// the current MANIFEST, per spec.md's file lifecycle rules. REQUIRES:
// db.mu held.
func (db *DBImpl) deleteObsoleteFiles() {
	if db.fileDeletionsDisabled > 0 {
		return
	}

	liveTables := make(map[uint64]bool)
	if v := db.versions.Current(); v != nil {
		for level := 0; level < v.NumLevels(); level++ {
			for _, f := range v.Files(level) {
				liveTables[f.FD.GetNumber()] = true
			}
		}
	}

	logNumber := db.versions.LogNumber()
	manifestNumber := db.versions.ManifestFileNumber()

	entries, err := db.fs.ListDir(db.name)
	if err != nil {
		return
	}

	var toDelete []string
	for _, name := range entries {
		number, typ, ok := parseFileName(name)
		if !ok {
			continue
		}
		keep := true
		switch typ {
		case fileTypeLog:
			keep = number >= logNumber
		case fileTypeManifest:
			keep = number >= manifestNumber
		case fileTypeTable:
			keep = liveTables[number]
		case fileTypeTemp:
			keep = false
		case fileTypeCurrent, fileTypeLock, fileTypeInfoLog:
			keep = true
		default:
			keep = true
		}
		if !keep {
			toDelete = append(toDelete, name)
			if typ == fileTypeTable {
				db.tableCache.Evict(number)
			}
		}
	}

	for _, name := range toDelete {
		_ = db.fs.Remove(filepath.Join(db.name, name))
	}
}

// sstFileName returns the filename for an SST file.
func sstFileName(number uint64) string {
	return fmt.Sprintf("%06d.sst", number)
}

// logFileName returns the filename for a WAL segment.
func logFileName(number uint64) string {
	return fmt.Sprintf("%06d.log", number)
}

// sstFilePath returns the path to an SST file.
func (db *DBImpl) sstFilePath(number uint64) string {
	return filepath.Join(db.name, sstFileName(number))
}

// logFilePath returns the path to a WAL segment.
func (db *DBImpl) logFilePath(number uint64) string {
	return filepath.Join(db.name, logFileName(number))
}
