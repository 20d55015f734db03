// Package tailer streams newly appended lines from a growing log file.
package tailer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/sploithunter/cin/internal/common/logger"
)

// Tailer watches an append-only file and emits each newly appended line
// exactly once for the process lifetime. On start the existing content is
// read in bulk, then the change watcher takes over from the recorded byte
// cursor.
type Tailer struct {
	path   string
	lines  chan string
	errs   chan error
	logger *logger.Logger

	cursor  int64
	partial string
}

// New creates a Tailer for path. The file does not need to exist yet.
func New(path string, log *logger.Logger) *Tailer {
	return &Tailer{
		path:   path,
		lines:  make(chan string, 256),
		errs:   make(chan error, 16),
		logger: log.WithFields(zap.String("component", "tailer"), zap.String("file", path)),
	}
}

// Lines returns the channel of emitted lines.
func (t *Tailer) Lines() <-chan string {
	return t.lines
}

// Errors returns the channel of transient errors. Errors never terminate
// the tailer; the next change retries.
func (t *Tailer) Errors() <-chan error {
	return t.errs
}

// Start reads the existing content, then watches for appends until ctx is
// cancelled. Both channels are closed on return.
func (t *Tailer) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: the file itself may not exist yet, and watching
	// the parent survives recreation.
	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	// Bulk load of whatever is already on disk.
	t.readNew()

	go func() {
		defer func() {
			watcher.Close()
			close(t.lines)
			close(t.errs)
		}()

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != t.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					t.readNew()
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				t.reportError(err)
			}
		}
	}()

	return nil
}

// readNew reads bytes past the cursor and emits completed lines. A transient
// read failure leaves the cursor untouched so the next change retries; the
// cursor never rewinds.
func (t *Tailer) readNew() {
	f, err := os.Open(t.path)
	if err != nil {
		if !os.IsNotExist(err) {
			t.reportError(err)
		}
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		t.reportError(err)
		return
	}
	size := info.Size()
	if size <= t.cursor {
		return
	}

	if _, err := f.Seek(t.cursor, io.SeekStart); err != nil {
		t.reportError(err)
		return
	}
	buf := make([]byte, size-t.cursor)
	n, err := io.ReadFull(f, buf)
	if err != nil && n == 0 {
		t.reportError(err)
		return
	}
	t.cursor += int64(n)

	chunk := t.partial + string(buf[:n])
	t.partial = ""

	parts := strings.Split(chunk, "\n")
	// The final element is either "" (chunk ended in a newline) or an
	// incomplete line carried to the next read.
	t.partial = parts[len(parts)-1]
	for _, line := range parts[:len(parts)-1] {
		if line == "" {
			continue
		}
		t.lines <- line
	}
}

func (t *Tailer) reportError(err error) {
	t.logger.Warn("tailer error", zap.Error(err))
	select {
	case t.errs <- err:
	default:
	}
}
