package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sploithunter/cin/internal/api"
	"github.com/sploithunter/cin/internal/bus"
	"github.com/sploithunter/cin/internal/common/config"
	"github.com/sploithunter/cin/internal/common/logger"
	"github.com/sploithunter/cin/internal/controller"
	"github.com/sploithunter/cin/internal/event"
	"github.com/sploithunter/cin/internal/feedback"
	gateway "github.com/sploithunter/cin/internal/gateway/websocket"
	"github.com/sploithunter/cin/internal/health"
	"github.com/sploithunter/cin/internal/ingest"
	"github.com/sploithunter/cin/internal/scrape"
	"github.com/sploithunter/cin/internal/session"
	"github.com/sploithunter/cin/internal/tailer"
	"github.com/sploithunter/cin/internal/tiles"
	"github.com/sploithunter/cin/internal/tmux"
	"github.com/sploithunter/cin/internal/transcript"
	ws "github.com/sploithunter/cin/pkg/websocket"
)

const version = "0.3.0"

// muxPrefix names the tmux sessions the supervisor spawns.
const muxPrefix = "cin"

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting cin supervisor...", zap.String("version", version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. In-process event bus: everything that broadcasts publishes here,
	// the push hub is the single subscriber fan-out.
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	// 4. Session registry with its two persistence files. Sessions load
	// before the event log so the replay window can judge event age against
	// live state.
	store := session.NewStore(cfg.Paths.SessionsFile, log)
	metaStore := session.NewMetadataStore(cfg.Paths.MetadataFile, log)
	registry := session.NewRegistry(store, metaStore, session.DefaultAdapters(), eventBus, log)
	registry.Load()

	// 5. Terminal executor
	executor := tmux.NewExecutor(cfg.Tmux.TmuxTimeout(), log)

	// 6. Ingestion pipeline
	processor := event.NewProcessor(cfg.Trace, log)
	worker := ingest.New(processor, registry, eventBus, cfg.Events.MaxEvents, log)

	// 7. Event log tailer
	logTailer := tailer.New(cfg.Paths.EventsFile, log)

	// 8. Transcript watcher for agents integrated via on-disk transcripts.
	// It appends normalized events to the same log, so the tailer stays the
	// single ingestion path.
	codexWatcher := transcript.NewWatcher("codex",
		config.ExpandPath("~/.codex/sessions"), cfg.Paths.EventsFile, log)
	watchers := map[string]*transcript.Watcher{"codex": codexWatcher}

	// 9. Command layer
	commands := controller.New(registry, executor, muxPrefix, cfg.Tmux.Session, log)

	// 10. Scrapers
	tokenCounter := scrape.NewTokenCounter(executor, registry, eventBus, log)
	permissions := scrape.NewPermissionDetector(executor, executor, registry, eventBus, log)
	suggestions := scrape.NewSuggestionExtractor(executor, registry, log)
	autoAccept := scrape.NewAutoAccepter(commands, registry, log)

	commands.SetPermissionStore(permissions)
	commands.AddObserver(tokenCounter)
	commands.AddObserver(permissions)
	commands.AddObserver(autoAccept)

	// 11. Health & cleanup scheduler
	scheduler := health.NewScheduler(registry, executor,
		map[string]health.TranscriptProber{"codex": codexWatcher},
		[]health.Forgetter{tokenCounter, permissions, autoAccept},
		log)

	// 12. Thin collaborator stores
	tileStore := tiles.NewStore(cfg.Paths.TilesFile, eventBus, log)
	tileStore.Load()
	feedbackStore := feedback.NewStore(cfg.Paths.FeedbackDir, log)

	// 13. Push gateway
	dispatcher := ws.NewDispatcher()
	registerPermissionResponse(dispatcher, commands)
	hub := gateway.NewHub(dispatcher, log)
	hub.SetSnapshotProvider(&pushSnapshots{
		registry: registry,
		ingest:   worker,
		tiles:    tileStore,
		voice:    cfg.Voice.VoiceEnabled(),
	})
	if err := hub.AttachBus(eventBus); err != nil {
		log.Fatal("Failed to attach push hub to event bus", zap.Error(err))
	}
	wsHandler := gateway.NewHandler(hub, cfg.Server.Origin, log)

	// 14. HTTP surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	apiServer := api.NewServer(api.Deps{
		Config:     cfg,
		Registry:   registry,
		Controller: commands,
		Ingest:     worker,
		Tiles:      tileStore,
		Feedback:   feedbackStore,
		Watchers:   watchers,
		Hub:        hub,
		WSHandler:  wsHandler,
		Version:    version,
		StaticDir:  "static",
	}, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 15. Start the long-running loops
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { registry.Run(gctx); return nil })
	g.Go(func() error { worker.Run(gctx); return nil })
	g.Go(func() error { hub.Run(gctx); return nil })
	g.Go(func() error { scheduler.Run(gctx); return nil })
	g.Go(func() error { tokenCounter.Run(gctx); return nil })
	g.Go(func() error { permissions.Run(gctx); return nil })
	g.Go(func() error { suggestions.Run(gctx); return nil })
	g.Go(func() error { autoAccept.Run(gctx); return nil })

	// Bridge tailed log lines into the ingestion worker.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-logTailer.Lines():
				if !ok {
					return nil
				}
				worker.Submit(line)
			case err, ok := <-logTailer.Errors():
				if ok {
					log.Warn("tailer error", zap.Error(err))
				}
			}
		}
	})

	// Log new-transcript notices; the sessions themselves are created by
	// the synthesized events flowing through the log.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case notice := <-codexWatcher.Notices():
				log.Info("detected transcript session",
					zap.String("thread_id", notice.ThreadID),
					zap.String("cwd", notice.CWD))
			}
		}
	})

	if err := logTailer.Start(gctx); err != nil {
		log.Fatal("Failed to start event log tailer", zap.Error(err))
	}
	if err := codexWatcher.Start(gctx.Done()); err != nil {
		log.Fatal("Failed to start transcript watcher", zap.Error(err))
	}

	// 16. HTTP server
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 17. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down cin supervisor...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stops the tailer and watcher first, then the registry loop, which
	// flushes both persistence files on its way out.
	cancel()
	if err := g.Wait(); err != nil {
		log.Error("Shutdown error", zap.Error(err))
	}

	log.Info("cin supervisor stopped")
}

// pushSnapshots feeds the welcome sequence sent to new push subscribers.
type pushSnapshots struct {
	registry *session.Registry
	ingest   *ingest.Worker
	tiles    *tiles.Store
	voice    bool
}

func (p *pushSnapshots) SessionsSnapshot() interface{} {
	return session.SessionsPayload{Sessions: p.registry.List()}
}

func (p *pushSnapshots) TilesSnapshot() interface{} {
	return p.tiles.Snapshot()
}

func (p *pushSnapshots) HistorySnapshot(limit int) interface{} {
	return map[string]interface{}{
		"events": p.ingest.History(limit, p.registry.ActiveIDs()),
	}
}

func (p *pushSnapshots) VoiceEnabled() bool { return p.voice }

// permissionResponseBody is the payload of a permission_response client
// message.
type permissionResponseBody struct {
	SessionID string `json:"sessionId"`
	Response  string `json:"response"`
}

func registerPermissionResponse(d *ws.Dispatcher, commands *controller.Controller) {
	d.RegisterFunc(ws.TypePermissionResponse, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var body permissionResponseBody
		if err := msg.ParseBody(&body); err != nil {
			return ws.NewError(ws.TypeError, "invalid permission_response payload"), nil
		}
		if body.SessionID == "" || body.Response == "" {
			return ws.NewError(ws.TypeError, "sessionId and response are required"), nil
		}
		if err := commands.PermissionResponse(ctx, body.SessionID, body.Response); err != nil {
			return ws.NewError(ws.TypeError, err.Error()), nil
		}
		return ws.New(ws.TypePermissionResolved, map[string]string{"sessionId": body.SessionID})
	})
}
