package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"optionsync/internal/model"
)

// JsonlStorage appends reconciliation issues to a JSONL file.
type JsonlStorage struct {
	path string
	mu   sync.Mutex
}

func NewJsonlStorage(path string) *JsonlStorage {
	return &JsonlStorage{path: path}
}

// PutIssue appends one issue as a JSON line. The file and its directory
// are created on first use.
func (s *JsonlStorage) PutIssue(issue model.Issue) error {
	line, err := json.Marshal(issue)
	if err != nil {
		return fmt.Errorf("marshal issue: %w", err)
	}
	line = append(line, '\n')

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create issues dir: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open issues file: %w", err)
	}
	if _, err := file.Write(line); err != nil {
		file.Close()
		return fmt.Errorf("write issue: %w", err)
	}
	return file.Close()
}

// DiscardIssues drops issues. Used when no issue file is configured; the
// ingestor still logs every issue.
type DiscardIssues struct{}

func (DiscardIssues) PutIssue(model.Issue) error { return nil }
