// Package profile persists per-device widget layouts.
//
// One JSON document is stored per device under the profiles directory, named
// profile_<key>.json where key is the device id reduced to letters, digits,
// '_' and '-'. Two device ids that reduce to the same key share a document.
//
// Writes go straight to the target file. A crash in the middle of a write can
// leave a truncated document behind; Load then serves the default layout and
// the next save moves the damaged file aside before replacing it.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"github.com/codefionn/deckcompanion/internal/logger"
)

const (
	filePrefix = "profile_"
	fileSuffix = ".json"
)

// ErrInvalidLayout is returned by SaveLayout for layouts that would break the
// unique-id invariant of a page.
var ErrInvalidLayout = errors.New("invalid layout")

// Store loads, migrates and saves profile documents
type Store struct {
	dir   string
	log   *logger.Logger
	locks *keyLock

	// fingerprints of the bytes this process last wrote, by path
	writtenMu sync.Mutex
	written   map[string]uint64
}

// NewStore creates the profiles directory if needed and returns a Store
// rooted there.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create profiles directory: %w", err)
	}
	return &Store{
		dir:     dir,
		log:     logger.Named("profile"),
		locks:   newKeyLock(),
		written: make(map[string]uint64),
	}, nil
}

// Dir returns the profiles directory
func (s *Store) Dir() string {
	return s.dir
}

// Key reduces a device id to the characters allowed in a profile file name
func Key(deviceID string) string {
	var b strings.Builder
	for _, r := range deviceID {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// KeyFromPath returns the profile key for a file in the profiles directory,
// or false when the file is not a profile document.
func KeyFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, filePrefix) || !strings.HasSuffix(base, fileSuffix) {
		return "", false
	}
	key := strings.TrimSuffix(strings.TrimPrefix(base, filePrefix), fileSuffix)
	if Key(key) != key {
		return "", false
	}
	return key, true
}

// Path returns the document path for a device id
func (s *Store) Path(deviceID string) string {
	return filepath.Join(s.dir, filePrefix+Key(deviceID)+fileSuffix)
}

// Load returns the device's document. A missing document yields the default
// layout without touching the disk. An unreadable document is logged and the
// default is served; the file is left alone. A legacy flat layout is
// upgraded and written back immediately.
func (s *Store) Load(deviceID string) *Document {
	unlock := s.locks.Lock(Key(deviceID))
	defer unlock()

	doc, _ := s.load(deviceID)
	return doc
}

// load must be called with the key lock held. corrupt reports that a file
// exists but could not be used.
func (s *Store) load(deviceID string) (doc *Document, corrupt bool) {
	path := s.Path(deviceID)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Error("Error loading %s: %v", deviceID, err)
			return DefaultDocument(), true
		}
		return DefaultDocument(), false
	}

	doc, migrated, err := decodeDocument(data)
	if err != nil {
		s.log.Error("Error loading %s: %v", deviceID, err)
		return DefaultDocument(), true
	}

	if migrated {
		s.log.Info("Migrating %s to paged layout", path)
		if err := s.write(path, doc); err != nil {
			// The in-memory upgrade is still valid; retry on the next load.
			s.log.Error("Failed to persist migrated profile %s: %v", path, err)
		}
	}
	return doc, false
}

// SaveLayout merges a client-submitted page layout into the stored document
// and persists the result.
//
// Widgets are matched by id. A matched widget keeps everything it had and
// takes only x, y, w and h from the submission. Unmatched submitted widgets
// are inserted as given. Stored widgets missing from the submission are
// dropped, and the submission's order wins.
func (s *Store) SaveLayout(deviceID, pageID string, layout []Widget) (*Document, error) {
	if pageID == "" {
		pageID = DefaultPage
	}

	seen := make(map[string]bool, len(layout))
	for i, w := range layout {
		if w.ID == "" {
			return nil, fmt.Errorf("%w: widget %d has no id", ErrInvalidLayout, i)
		}
		if seen[w.ID] {
			return nil, fmt.Errorf("%w: duplicate widget id %q", ErrInvalidLayout, w.ID)
		}
		seen[w.ID] = true
	}

	unlock := s.locks.Lock(Key(deviceID))
	defer unlock()

	path := s.Path(deviceID)
	doc, corrupt := s.load(deviceID)
	if corrupt {
		if err := s.quarantine(path); err != nil {
			return nil, err
		}
	}

	doc.Pages[pageID] = mergeLayout(doc.Pages[pageID], layout)

	if err := s.write(path, doc); err != nil {
		return nil, err
	}
	s.log.Debug("Saved page %q for %s (%d widgets)", pageID, deviceID, len(layout))
	return doc.Clone(), nil
}

func mergeLayout(current, incoming []Widget) []Widget {
	existing := make(map[string]Widget, len(current))
	for _, w := range current {
		existing[w.ID] = w
	}

	merged := make([]Widget, 0, len(incoming))
	for _, in := range incoming {
		stored, ok := existing[in.ID]
		if !ok {
			merged = append(merged, in.Clone())
			continue
		}
		w := stored.Clone()
		w.moveTo(in)
		merged = append(merged, w)
	}
	return merged
}

// quarantine moves an unusable document out of the way so a save does not
// destroy it.
func (s *Store) quarantine(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	backup := fmt.Sprintf("%s.corrupt-%s", path, time.Now().Format("20060102-150405"))
	if err := os.Rename(path, backup); err != nil {
		return fmt.Errorf("failed to move unreadable profile aside: %w", err)
	}
	s.log.Warn("Moved unreadable profile %s to %s", path, backup)
	return nil
}

func (s *Store) write(path string, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}

	s.writtenMu.Lock()
	s.written[path] = xxhash.Sum64(data)
	s.writtenMu.Unlock()

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}

// isOwnWrite reports whether data is exactly what this store last wrote to
// path.
func (s *Store) isOwnWrite(path string, data []byte) bool {
	s.writtenMu.Lock()
	defer s.writtenMu.Unlock()

	sum, ok := s.written[path]
	return ok && sum == xxhash.Sum64(data)
}
