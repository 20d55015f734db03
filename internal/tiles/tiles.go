// Package tiles is the thin store behind the text-tile endpoints. Tiles are
// opaque UI blobs; the core only persists them and broadcasts change
// notices.
package tiles

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sploithunter/cin/internal/bus"
	"github.com/sploithunter/cin/internal/common/logger"
)

// Tile is an opaque keyed blob owned by the UI.
type Tile map[string]interface{}

// Store persists tiles as one JSON file and broadcasts on change.
type Store struct {
	path   string
	bus    bus.EventBus
	logger *logger.Logger

	mu    sync.RWMutex
	tiles map[string]Tile
}

// NewStore creates a Store backed by path.
func NewStore(path string, b bus.EventBus, log *logger.Logger) *Store {
	return &Store{
		path:   path,
		bus:    b,
		logger: log.WithFields(zap.String("component", "tiles"), zap.String("file", path)),
		tiles:  make(map[string]Tile),
	}
}

// Load reads the tiles file. Missing or corrupt files yield an empty store.
func (s *Store) Load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read tiles file", zap.Error(err))
		}
		return
	}

	var tiles map[string]Tile
	if err := json.Unmarshal(data, &tiles); err != nil {
		s.logger.Warn("failed to parse tiles file, starting empty", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.tiles = tiles
	s.mu.Unlock()
}

// List returns all tiles.
func (s *Store) List() []Tile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Tile, 0, len(s.tiles))
	for _, t := range s.tiles {
		out = append(out, t)
	}
	return out
}

// Get returns one tile.
func (s *Store) Get(id string) (Tile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tiles[id]
	return t, ok
}

// Upsert stores a tile, assigning an id when the blob carries none, then
// saves and broadcasts.
func (s *Store) Upsert(tile Tile) Tile {
	id, _ := tile["id"].(string)
	if id == "" {
		id = uuid.NewString()
		tile["id"] = id
	}

	s.mu.Lock()
	s.tiles[id] = tile
	s.mu.Unlock()

	s.save()
	s.broadcast()
	return tile
}

// Delete removes a tile. Reports whether it existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	_, ok := s.tiles[id]
	delete(s.tiles, id)
	s.mu.Unlock()

	if ok {
		s.save()
		s.broadcast()
	}
	return ok
}

// Snapshot returns the body of a text_tiles broadcast.
func (s *Store) Snapshot() interface{} {
	return map[string]interface{}{"tiles": s.List()}
}

func (s *Store) save() {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.tiles, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		s.logger.Error("failed to marshal tiles", zap.Error(err))
		return
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		s.logger.Error("failed to create tiles dir", zap.Error(err))
		return
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		s.logger.Error("failed to save tiles", zap.Error(err))
		return
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		s.logger.Error("failed to save tiles", zap.Error(err))
		return
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		s.logger.Error("failed to save tiles", zap.Error(err))
	}
}

func (s *Store) broadcast() {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(context.Background(), bus.SubjectPushPrefix+"text_tiles",
		bus.NewEvent("text_tiles", "tiles", s.Snapshot()))
}
