package drafts

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/snapshot"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/threads"
	"go.uber.org/zap"
)

const draftExtension = ".json"

var errMissingDirectory = errors.New("drafts: directory is required")

// FileStore keeps one JSON draft per thread in a directory.
type FileStore struct {
	dir    string
	logger *zap.Logger
}

var _ threads.DraftStore = (*FileStore)(nil)

func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errMissingDirectory
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("drafts: create directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) path(threadID string) string {
	return filepath.Join(s.dir, url.PathEscape(threadID)+draftExtension)
}

// SaveDraft replaces the thread's draft atomically.
func (s *FileStore) SaveDraft(threadID string, draft snapshot.Snapshot) error {
	if threadID == "" {
		return fmt.Errorf("drafts: thread id is required")
	}
	payload, err := snapshot.Encode(draft)
	if err != nil {
		return err
	}
	temp, err := os.CreateTemp(s.dir, "draft-*.tmp")
	if err != nil {
		return fmt.Errorf("drafts: create temp file: %w", err)
	}
	tempName := temp.Name()
	if _, err := temp.Write(payload); err != nil {
		temp.Close()
		os.Remove(tempName)
		return fmt.Errorf("drafts: write: %w", err)
	}
	if err := temp.Close(); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("drafts: close: %w", err)
	}
	if err := os.Rename(tempName, s.path(threadID)); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("drafts: rename: %w", err)
	}
	return nil
}

// LoadDraft reads the thread's draft. Unreadable fields fall back to defaults.
func (s *FileStore) LoadDraft(threadID string) (snapshot.Snapshot, bool, error) {
	payload, err := os.ReadFile(s.path(threadID))
	if errors.Is(err, fs.ErrNotExist) {
		return snapshot.Snapshot{}, false, nil
	}
	if err != nil {
		return snapshot.Snapshot{}, false, fmt.Errorf("drafts: read: %w", err)
	}
	draft, warnings := snapshot.Decode(payload)
	if len(warnings) > 0 {
		s.logger.Debug("draft repaired on load", zap.String("thread_id", threadID), zap.Strings("warnings", warnings))
	}
	return draft, true, nil
}

// DeleteDraft removes the thread's draft if one exists.
func (s *FileStore) DeleteDraft(threadID string) error {
	err := os.Remove(s.path(threadID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("drafts: delete: %w", err)
	}
	return nil
}
