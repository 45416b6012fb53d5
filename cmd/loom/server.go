package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/loom/internal/api"
	"github.com/kalambet/loom/internal/capability"
	"github.com/kalambet/loom/internal/config"
	"github.com/kalambet/loom/internal/engine"
	"github.com/kalambet/loom/internal/hooks"
	"github.com/kalambet/loom/internal/instance"
	"github.com/kalambet/loom/internal/jobs"
	"github.com/kalambet/loom/internal/narrative"
	"github.com/kalambet/loom/internal/pipeline"
	"github.com/kalambet/loom/internal/retrieval"
	"github.com/kalambet/loom/internal/session"
	"github.com/kalambet/loom/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the loom daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running loom daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show loom daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "loom version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(os.Getenv("LOOM_LOG_LEVEL"), "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse a second daemon on the same port.
	pidPath := cfg.PIDFile()
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("loom is already running (PID %d)", pid)
			return fmt.Errorf("daemon already running (PID %d)", pid)
		}
		printWarning("loom is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("daemon already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := engine.NewOllama(cfg.Ollama.BaseURL)
	if err := engine.EnsureReady(ctx, eng, cfg.Ollama.JudgeModel, cfg.Ollama.EmbedModel, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Routing core.
	cache := retrieval.NewCache(store)
	embedder := retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel)
	judge := narrative.NewDisambiguator(eng, cfg.Ollama.JudgeModel)
	selector := narrative.NewSelector(store, cache, embedder, judge, narrative.Options{
		TopK:          cfg.Routing.TopK,
		HighThreshold: float32(cfg.Routing.HighThreshold),
		BlendWeight:   cfg.Routing.BlendWeight,
		RecentEvents:  cfg.Routing.RecentEvents,
	})
	continuity := narrative.NewContinuityDetector(eng, cfg.Ollama.JudgeModel)
	refresh := narrative.NewRefreshPolicy(store, cache, cfg.Routing.RefreshThreshold, cfg.Routing.RefreshThreshold)

	// Instance coordination. Built-in capability classes register here;
	// instances referencing other classes are skipped at load time.
	registry := instance.NewRegistry()
	if err := registry.Register(capability.NewRecall(store), false); err != nil {
		return err
	}
	if err := registry.Register(capability.NewDigest(eng, cfg.Ollama.JudgeModel), true); err != nil {
		return err
	}
	loader := instance.NewLoader(store, registry)
	graph := instance.NewGraph(store, registry)
	coordinator := hooks.NewCoordinator(hooks.GatherSequential)

	sessions, err := session.NewRegistry(cfg.SessionDir(), cfg.Session.Timeout)
	if err != nil {
		return fmt.Errorf("initializing session registry: %w", err)
	}

	router := pipeline.NewRouter(pipeline.RouterDeps{
		Store:       store,
		Sessions:    sessions,
		Continuity:  continuity,
		Selector:    selector,
		Loader:      loader,
		Registry:    registry,
		Coordinator: coordinator,
		Graph:       graph,
		Refresh:     refresh,
		Embedder:    embedder,
	})

	// Background jobs: reset leftovers from a dead process, then poll.
	runner := jobs.NewCapabilityRunner(store, registry, graph)
	worker := jobs.NewWorker(store, runner, cfg.Jobs.PollInterval)
	if err := worker.ResetOnStart(); err != nil {
		return err
	}

	handler := api.NewAppHandler(api.AppDeps{
		Router: router,
		Store:  store,
		Token:  cfg.Server.AuthToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{Router: router, Store: store})
	stdioSrv := server.NewStdioServer(mcpSrv)

	// One group carries the worker, both transports, and the shutdown
	// waiter; a signal or a listener failure cancels the rest.
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		worker.Run(gCtx)
		return nil
	})
	g.Go(func() error {
		slog.Info("MCP server started (stdio transport)")
		if err := stdioSrv.Listen(gCtx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "loom listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := cfg.PIDFile()
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("loom is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop loom (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to loom (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Judge model", "%s", cfg.Ollama.JudgeModel)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
