// Package ingest runs the single worker that serializes all event-driven
// registry mutations: dedup, enrichment, routing, state machine application,
// and history retention.
package ingest

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sploithunter/cin/internal/bus"
	"github.com/sploithunter/cin/internal/common/logger"
	"github.com/sploithunter/cin/internal/event"
	"github.com/sploithunter/cin/internal/session"
)

// ReplayWindow is the age threshold beyond which a loaded event contributes
// to history only. Older events never create or update sessions, so stale
// log content cannot resurrect phantom sessions.
const ReplayWindow = 30 * time.Minute

// pendingToolCap bounds the pre_tool_use correlation map.
const pendingToolCap = 1000

// Worker is the ingestion pipeline. Lines from every source (log tailer,
// push endpoint, transcript watcher via the log) funnel through Submit and
// are applied in arrival order.
type Worker struct {
	processor    *event.Processor
	registry     *session.Registry
	bus          bus.EventBus
	logger       *logger.Logger
	maxEvents    int
	replayWindow time.Duration

	lines chan string

	mu        sync.RWMutex
	history   []*event.Event
	seen      map[string]bool
	seenOrder []string

	pendingMu    sync.Mutex
	pendingTools map[string]int64 // toolUseId -> pre_tool_use timestamp
	pendingOrder []string
}

// New creates a Worker. maxEvents bounds both the history and the dedup set.
func New(processor *event.Processor, registry *session.Registry, b bus.EventBus, maxEvents int, log *logger.Logger) *Worker {
	return &Worker{
		processor:    processor,
		registry:     registry,
		bus:          b,
		logger:       log.WithFields(zap.String("component", "ingest")),
		maxEvents:    maxEvents,
		replayWindow: ReplayWindow,
		lines:        make(chan string, 1024),
		seen:         make(map[string]bool),
		pendingTools: make(map[string]int64),
	}
}

// Submit enqueues a raw line for ingestion. Drops the line if the worker is
// saturated; the log tail remains the source of truth.
func (w *Worker) Submit(line string) {
	select {
	case w.lines <- line:
	default:
		w.logger.Warn("ingest queue full, dropping line")
	}
}

// Run consumes submitted lines until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-w.lines:
			w.Ingest(line)
		}
	}
}

// Ingest processes one raw line synchronously. Exposed for the push
// endpoint, which applies events inline on the caller's request.
func (w *Worker) Ingest(line string) {
	ev, agentSessionID, cwd, err := w.processor.Process(line)
	if err != nil {
		w.logger.Warn("failed to parse event line", zap.Error(err))
		return
	}
	if ev == nil {
		return
	}

	// Dedup by event id: only the first occurrence is applied.
	if !w.remember(ev.ID) {
		return
	}

	w.enrich(ev)

	now := event.NowMillis()
	replayOnly := ev.Age(now) > w.replayWindow

	if !replayOnly && agentSessionID != "" {
		agent := ev.Agent
		if agent == "" {
			agent = "claude"
			ev.Agent = agent
		}
		v, _ := w.registry.FindOrCreate(agentSessionID, agent, cwd, terminalHint(ev))
		ev.SessionID = v.ID
		w.registry.Apply(v.ID, ev)
	}

	w.appendHistory(ev)

	if w.bus != nil {
		_ = w.bus.Publish(context.Background(), bus.SubjectPushPrefix+"event",
			bus.NewEvent("event", "ingest", ev))
	}
}

// terminalHint builds the pane descriptor carried by a hook event, if any.
// Auto-created external sessions capture it at creation; later hooks refresh
// it through the registry's direct-hit path.
func terminalHint(ev *event.Event) *session.Terminal {
	if ev.PaneID == "" && ev.TTY == "" && ev.Socket == "" {
		return nil
	}
	return &session.Terminal{PaneID: ev.PaneID, Socket: ev.Socket, TTY: ev.TTY}
}

// remember returns false when the id was already seen. The set is trimmed
// FIFO and retains at least maxEvents entries.
func (w *Worker) remember(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.seen[id] {
		return false
	}
	w.seen[id] = true
	w.seenOrder = append(w.seenOrder, id)

	for len(w.seenOrder) > w.maxEvents*2 {
		oldest := w.seenOrder[0]
		w.seenOrder = w.seenOrder[1:]
		delete(w.seen, oldest)
	}
	return true
}

// enrich matches pre/post tool-use pairs by correlation id and computes the
// post event's duration.
func (w *Worker) enrich(ev *event.Event) {
	if ev.ToolUseID == "" {
		return
	}

	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	switch ev.Type {
	case event.KindPreToolUse:
		if _, exists := w.pendingTools[ev.ToolUseID]; !exists {
			w.pendingOrder = append(w.pendingOrder, ev.ToolUseID)
		}
		w.pendingTools[ev.ToolUseID] = ev.Timestamp
		for len(w.pendingOrder) > pendingToolCap {
			oldest := w.pendingOrder[0]
			w.pendingOrder = w.pendingOrder[1:]
			delete(w.pendingTools, oldest)
		}
	case event.KindPostToolUse:
		if preTS, ok := w.pendingTools[ev.ToolUseID]; ok {
			ev.Duration = ev.Timestamp - preTS
			delete(w.pendingTools, ev.ToolUseID)
		}
	}
}

func (w *Worker) appendHistory(ev *event.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.history = append(w.history, ev)
	if len(w.history) > w.maxEvents {
		w.history = w.history[len(w.history)-w.maxEvents:]
	}
}

// History returns up to limit recent events whose session id is in the
// active set, oldest first. A nil active set disables filtering.
func (w *Worker) History(limit int, active map[string]bool) []*event.Event {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if limit <= 0 || limit > len(w.history) {
		limit = len(w.history)
	}

	out := make([]*event.Event, 0, limit)
	for i := len(w.history) - 1; i >= 0 && len(out) < limit; i-- {
		ev := w.history[i]
		if active != nil && (ev.SessionID == "" || !active[ev.SessionID]) {
			continue
		}
		out = append(out, ev)
	}

	// reverse to oldest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Count returns the number of retained events.
func (w *Worker) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.history)
}
