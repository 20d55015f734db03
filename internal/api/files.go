package api

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/sploithunter/cin/internal/common/config"
	apperrors "github.com/sploithunter/cin/internal/common/errors"
)

const (
	// maxFileBytes bounds the file-content endpoint.
	maxFileBytes = 1 << 20
	// maxTreeDepth bounds the tree endpoint.
	maxTreeDepth = 5
)

// binaryExtensions are rejected by the file-content endpoint.
var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".ico": true, ".pdf": true, ".zip": true, ".tar": true, ".gz": true,
	".exe": true, ".bin": true, ".so": true, ".dylib": true, ".dll": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
	".mp3": true, ".mp4": true, ".mov": true, ".wasm": true, ".db": true,
}

// excludedDirs are never listed by the tree endpoint.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
}

// scopedPath resolves a client-supplied relative path against the session's
// cwd and rejects anything that escapes it.
func scopedPath(cwd, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", apperrors.Validation("path", "must be relative to the session directory")
	}
	resolved := filepath.Clean(filepath.Join(cwd, rel))
	if resolved != cwd && !strings.HasPrefix(resolved, cwd+string(filepath.Separator)) {
		return "", apperrors.Validation("path", "escapes the session directory")
	}
	return resolved, nil
}

type fileEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size,omitempty"`
}

func (s *Server) sessionCWD(c *gin.Context) (string, bool) {
	id, ok := sessionID(c)
	if !ok {
		return "", false
	}
	v, found := s.registry.Get(id)
	if !found {
		respondError(c, apperrors.NotFound("session", id))
		return "", false
	}
	return v.CWD, true
}

func (s *Server) handleListFiles(c *gin.Context) {
	cwd, ok := s.sessionCWD(c)
	if !ok {
		return
	}

	dir, err := scopedPath(cwd, c.Query("path"))
	if err != nil {
		respondError(c, err)
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		respondError(c, apperrors.Wrap(err, "failed to read directory"))
		return
	}

	files := make([]fileEntry, 0, len(entries))
	for _, e := range entries {
		rel, _ := filepath.Rel(cwd, filepath.Join(dir, e.Name()))
		entry := fileEntry{Name: e.Name(), Path: rel, IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil && !e.IsDir() {
			entry.Size = info.Size()
		}
		files = append(files, entry)
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].IsDir != files[j].IsDir {
			return files[i].IsDir
		}
		return files[i].Name < files[j].Name
	})

	respondOK(c, http.StatusOK, gin.H{"files": files})
}

func (s *Server) handleReadFile(c *gin.Context) {
	cwd, ok := s.sessionCWD(c)
	if !ok {
		return
	}

	rel := c.Query("path")
	if rel == "" {
		respondError(c, apperrors.Validation("path", "is required"))
		return
	}
	path, err := scopedPath(cwd, rel)
	if err != nil {
		respondError(c, err)
		return
	}

	if binaryExtensions[strings.ToLower(filepath.Ext(path))] {
		respondError(c, apperrors.Validation("path", "binary files are not served"))
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		respondError(c, apperrors.NotFound("file", rel))
		return
	}
	if info.IsDir() {
		respondError(c, apperrors.Validation("path", "is a directory"))
		return
	}
	if info.Size() > maxFileBytes {
		respondError(c, apperrors.Validation("path", "file exceeds the 1 MB limit"))
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		respondError(c, apperrors.Wrap(err, "failed to read file"))
		return
	}
	if !utf8.Valid(data) {
		respondError(c, apperrors.Validation("path", "file is not valid text"))
		return
	}

	respondOK(c, http.StatusOK, gin.H{"path": rel, "content": string(data)})
}

type treeNode struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	IsDir    bool       `json:"isDir"`
	Children []treeNode `json:"children,omitempty"`
}

func (s *Server) handleFileTree(c *gin.Context) {
	cwd, ok := s.sessionCWD(c)
	if !ok {
		return
	}

	depth := 3
	if raw := c.Query("depth"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(c, apperrors.Validation("depth", "must be a positive integer"))
			return
		}
		depth = n
	}
	if depth > maxTreeDepth {
		depth = maxTreeDepth
	}

	tree := buildTree(cwd, cwd, depth)
	respondOK(c, http.StatusOK, gin.H{"tree": tree})
}

func buildTree(root, dir string, depth int) []treeNode {
	if depth <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var nodes []treeNode
	for _, e := range entries {
		if excludedDirs[e.Name()] {
			continue
		}
		path := filepath.Join(dir, e.Name())
		rel, _ := filepath.Rel(root, path)
		node := treeNode{Name: e.Name(), Path: rel, IsDir: e.IsDir()}
		if e.IsDir() {
			node.Children = buildTree(root, path, depth-1)
		}
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].IsDir != nodes[j].IsDir {
			return nodes[i].IsDir
		}
		return nodes[i].Name < nodes[j].Name
	})
	return nodes
}

// handleProjects lists candidate project directories one level under HOME.
func (s *Server) handleProjects(c *gin.Context) {
	home, err := os.UserHomeDir()
	if err != nil {
		respondError(c, apperrors.Wrap(err, "failed to resolve home directory"))
		return
	}

	entries, err := os.ReadDir(home)
	if err != nil {
		respondError(c, apperrors.Wrap(err, "failed to read home directory"))
		return
	}

	var projects []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			projects = append(projects, filepath.Join(home, e.Name()))
		}
	}
	respondOK(c, http.StatusOK, gin.H{"projects": projects})
}

func (s *Server) handleDefaultProject(c *gin.Context) {
	home, err := os.UserHomeDir()
	if err != nil {
		respondError(c, apperrors.Wrap(err, "failed to resolve home directory"))
		return
	}
	respondOK(c, http.StatusOK, gin.H{"path": home})
}

// handleProjectAutocomplete completes a partially-typed directory path.
func (s *Server) handleProjectAutocomplete(c *gin.Context) {
	query := config.ExpandPath(c.Query("q"))
	if query == "" {
		respondOK(c, http.StatusOK, gin.H{"matches": []string{}})
		return
	}

	dir := filepath.Dir(query)
	prefix := filepath.Base(query)
	if strings.HasSuffix(query, string(filepath.Separator)) {
		dir = filepath.Clean(query)
		prefix = ""
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		respondOK(c, http.StatusOK, gin.H{"matches": []string{}})
		return
	}

	matches := []string{}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if prefix == "" || strings.HasPrefix(e.Name(), prefix) {
			matches = append(matches, filepath.Join(dir, e.Name()))
		}
		if len(matches) >= 20 {
			break
		}
	}
	respondOK(c, http.StatusOK, gin.H{"matches": matches})
}
