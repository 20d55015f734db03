// Package feedback is the thin store behind the feedback endpoints. Each
// record is one JSON file in the feedback directory.
package feedback

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/sploithunter/cin/internal/common/errors"
	"github.com/sploithunter/cin/internal/common/logger"
)

// Record is an opaque feedback blob plus the fields the store manages.
type Record map[string]interface{}

// Store persists feedback records as individual JSON files.
type Store struct {
	dir    string
	mu     sync.Mutex
	logger *logger.Logger
}

// NewStore creates a Store rooted at dir.
func NewStore(dir string, log *logger.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: log.WithFields(zap.String("component", "feedback"), zap.String("dir", dir)),
	}
}

// List returns all records, newest first.
func (s *Store) List() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var records []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("skipping unparseable feedback record", zap.String("file", e.Name()))
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return createdAt(records[i]) > createdAt(records[j])
	})
	return records, nil
}

// Get returns one record.
func (s *Store) Get(id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

// Create stores a new record, assigning id and createdAt.
func (s *Store) Create(rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	rec["id"] = id
	rec["createdAt"] = time.Now().UnixMilli()

	if err := s.write(id, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Update merges patch into an existing record.
func (s *Store) Update(id string, patch Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.read(id)
	if err != nil {
		return nil, err
	}
	for k, v := range patch {
		if k == "id" || k == "createdAt" {
			continue
		}
		rec[k] = v
	}
	rec["updatedAt"] = time.Now().UnixMilli()

	if err := s.write(id, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes a record.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.recordPath(id)); err != nil {
		if os.IsNotExist(err) {
			return apperrors.NotFound("feedback", id)
		}
		return err
	}
	return nil
}

func (s *Store) read(id string) (Record, error) {
	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("feedback", id)
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) write(id string, rec Record) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.recordPath(id), data, 0644)
}

// recordPath keeps ids inside the feedback directory; ids are uuids the
// store itself assigned.
func (s *Store) recordPath(id string) string {
	return filepath.Join(s.dir, filepath.Base(id)+".json")
}

func createdAt(rec Record) float64 {
	if v, ok := rec["createdAt"].(float64); ok {
		return v
	}
	return 0
}
