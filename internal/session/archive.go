// ABOUTME: Transcript archiver that renames files instead of deleting or overwriting them
// ABOUTME: Archived names carry the reason, a UTC timestamp and a counter when that name is taken

package session

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// ArchiveReason is recorded in the archived file name.
type ArchiveReason string

const (
	ArchiveDeleted ArchiveReason = "deleted"
	ArchiveReset   ArchiveReason = "reset"
	ArchiveBackup  ArchiveReason = "bak"
)

// archiveTimeFormat avoids ':' so names stay portable.
const archiveTimeFormat = "2006-01-02T15-04-05.000Z"

const maxArchiveAttempts = 1000

// ArchivePath returns the name path would be archived to at now.
func ArchivePath(path string, reason ArchiveReason, now time.Time) string {
	return fmt.Sprintf("%s.%s.%s", path, reason, now.UTC().Format(archiveTimeFormat))
}

// ArchiveFile moves path to its archive name, appending -1, -2, ... when an
// archive with that name already exists. Existing archives are never
// overwritten. A missing file is not an error; the returned name is empty in
// that case.
func ArchiveFile(path string, reason ArchiveReason, now time.Time) (string, error) {
	if path == "" {
		return "", nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return "", nil
	}

	base := ArchivePath(path, reason, now)
	dest := base
	for n := 1; ; n++ {
		// Link fails when dest exists, unlike Rename which replaces it.
		err := os.Link(path, dest)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) || n >= maxArchiveAttempts {
			return "", fmt.Errorf("archiving %s: %w", path, err)
		}
		dest = fmt.Sprintf("%s-%d", base, n)
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("archiving %s: %w", path, err)
	}
	return dest, nil
}
