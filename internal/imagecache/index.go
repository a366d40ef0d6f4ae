package imagecache

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/spf13/afero"

	"github.com/tphakala/imagewall/internal/errors"
	"github.com/tphakala/imagewall/internal/logger"
)

const (
	indexName    = "index.json"
	indexVersion = 1

	saveAttempts       = 3
	defaultSaveBackoff = 500 * time.Millisecond
)

// Entry describes one cached image.
type Entry struct {
	SourceID     string    `json:"sourceId"`
	Filename     string    `json:"filename"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"createdAt"`
	ETag         string    `json:"etag,omitempty"`
	MIMEType     string    `json:"mimeType,omitempty"`
	AccessCount  int       `json:"accessCount"`
	LastAccessed time.Time `json:"lastAccessed"`
}

type indexFile struct {
	Version int               `json:"version"`
	Entries map[string]*Entry `json:"entries"`
}

// readIndex loads the index from fs. A missing file yields an empty map
// and no error.
func readIndex(fs afero.Fs, dir string) (map[string]*Entry, error) {
	data, err := afero.ReadFile(fs, path.Join(dir, indexName))
	if os.IsNotExist(err) {
		return map[string]*Entry{}, nil
	}
	if err != nil {
		return nil, errors.New(err).
			Component("imagecache").
			Category(errors.CategoryFileIO).
			Context("operation", "read_index").
			Build()
	}

	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, errors.New(err).
			Component("imagecache").
			Category(errors.CategoryFileParsing).
			Context("operation", "decode_index").
			Build()
	}
	if idx.Version != indexVersion {
		return nil, errors.Newf("unsupported index version %d", idx.Version).
			Component("imagecache").
			Category(errors.CategoryValidation).
			Build()
	}
	if idx.Entries == nil {
		idx.Entries = map[string]*Entry{}
	}
	for id, e := range idx.Entries {
		if e == nil || e.Filename == "" || path.Base(e.Filename) != e.Filename {
			delete(idx.Entries, id)
			continue
		}
		e.SourceID = id
		if e.LastAccessed.IsZero() {
			e.LastAccessed = e.CreatedAt
		}
	}
	return idx.Entries, nil
}

// writeFile replaces name in dir with data through a synced temp file.
func writeFile(fs afero.Fs, dir, name string, data []byte) error {
	tmp, err := afero.TempFile(fs, dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = fs.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = fs.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := fs.Rename(tmpName, path.Join(dir, name)); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// readFile reads a whole blob.
func readFile(fs afero.Fs, dir, name string) ([]byte, error) {
	f, err := fs.Open(path.Join(dir, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// scheduleSave arms the single debounce timer, replacing any pending one.
// Caller holds s.mu.
func (s *Store) scheduleSave(delay time.Duration) {
	if s.closed {
		return
	}
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.saveTimer = time.AfterFunc(delay, func() {
		_ = s.save()
	})
}

// Flush writes any pending index change now.
func (s *Store) Flush() error {
	s.mu.Lock()
	pending := s.saveTimer != nil && s.saveTimer.Stop()
	s.saveTimer = nil
	s.mu.Unlock()
	if !pending {
		return nil
	}
	return s.save()
}

// save persists a snapshot of the index, retrying with linear backoff.
func (s *Store) save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	snapshot := indexFile{Version: indexVersion, Entries: make(map[string]*Entry, len(s.entries))}
	for id, e := range s.entries {
		cp := *e
		snapshot.Entries[id] = &cp
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return errors.New(err).Component("imagecache").Category(errors.CategoryImageCache).Build()
	}

	var lastErr error
	for attempt := 1; attempt <= saveAttempts; attempt++ {
		if lastErr = s.fs.MkdirAll(s.dir, 0o755); lastErr == nil {
			if lastErr = writeFile(s.fs, s.dir, indexName, data); lastErr == nil {
				s.metrics.IndexSaved(nil)
				s.log.Debug("cache index saved",
					logger.Int("entries", len(snapshot.Entries)),
					logger.Int("bytes", len(data)))
				return nil
			}
		}
		s.log.Warn("failed to save cache index",
			logger.Int("attempt", attempt),
			logger.Int("max_attempts", saveAttempts),
			logger.Error(lastErr))
		if attempt < saveAttempts {
			time.Sleep(s.saveBackoff * time.Duration(attempt))
		}
	}

	s.metrics.IndexSaved(lastErr)
	err = errors.New(lastErr).
		Component("imagecache").
		Category(errors.CategoryFileIO).
		Context("operation", "save_index").
		Context("attempts", saveAttempts).
		Build()
	s.log.Error("giving up on saving cache index", logger.Error(err))
	return err
}
