package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/sploithunter/cin/internal/common/logger"
)

// CoreState is the on-disk shape of the registry's own file.
type CoreState struct {
	Sessions   []*Session        `json:"sessions"`
	AgentIndex map[string]string `json:"agentIndex"` // "<agent>:<agentSessionId>" -> session id
	Counter    int               `json:"counter"`
}

// Store persists the registry core state as JSON.
type Store struct {
	path   string
	logger *logger.Logger
}

// NewStore creates a Store writing to path.
func NewStore(path string, log *logger.Logger) *Store {
	return &Store{
		path:   path,
		logger: log.WithFields(zap.String("component", "session-store"), zap.String("file", path)),
	}
}

// Load reads the core state. A missing file is normal on first run and
// returns empty state; a parse error is logged and also returns empty
// state, never a fatal error.
func (s *Store) Load() *CoreState {
	empty := &CoreState{AgentIndex: make(map[string]string)}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read sessions file", zap.Error(err))
		}
		return empty
	}

	var state CoreState
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn("failed to parse sessions file, starting empty", zap.Error(err))
		return empty
	}
	if state.AgentIndex == nil {
		state.AgentIndex = make(map[string]string)
	}
	return &state
}

// Save writes the core state atomically (temp file + rename).
func (s *Store) Save(state *CoreState) error {
	return writeJSONAtomic(s.path, state)
}

// MetadataStore persists the UI metadata file keyed by session id.
type MetadataStore struct {
	path   string
	logger *logger.Logger
}

// NewMetadataStore creates a MetadataStore writing to path.
func NewMetadataStore(path string, log *logger.Logger) *MetadataStore {
	return &MetadataStore{
		path:   path,
		logger: log.WithFields(zap.String("component", "metadata-store"), zap.String("file", path)),
	}
}

// Load reads the metadata map. Missing or corrupt files yield an empty map.
func (m *MetadataStore) Load() map[string]*Metadata {
	meta := make(map[string]*Metadata)

	data, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("failed to read metadata file", zap.Error(err))
		}
		return meta
	}

	if err := json.Unmarshal(data, &meta); err != nil {
		m.logger.Warn("failed to parse metadata file, starting empty", zap.Error(err))
		return make(map[string]*Metadata)
	}
	return meta
}

// Save writes the metadata map atomically.
func (m *MetadataStore) Save(meta map[string]*Metadata) error {
	return writeJSONAtomic(m.path, meta)
}

// writeJSONAtomic marshals v and replaces path via a temp file rename so a
// crash mid-write never leaves a truncated file.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
