package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/pawnbot/internal/admin"
	"github.com/kalambet/pawnbot/internal/api"
	"github.com/kalambet/pawnbot/internal/archive"
	"github.com/kalambet/pawnbot/internal/config"
	"github.com/kalambet/pawnbot/internal/delivery"
	"github.com/kalambet/pawnbot/internal/drafts"
	"github.com/kalambet/pawnbot/internal/ledger"
	"github.com/kalambet/pawnbot/internal/photo"
	"github.com/kalambet/pawnbot/internal/render"
	"github.com/kalambet/pawnbot/internal/storage"
	"github.com/kalambet/pawnbot/internal/telegram"
	"github.com/kalambet/pawnbot/internal/wizard"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot and the HTTP API (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running pawnbot server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and delivery status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

// Report submissions hold a connection while photos are fetched and the
// document is rendered.
const maxAPIConnections = 32

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
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

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// ensureAPIToken generates and stores a bearer token on first start.
func ensureAPIToken(cfg *config.Config) error {
	if cfg.Server.APIToken != "" {
		return nil
	}
	token := uuid.NewString()
	if err := config.SetSecret("server.api_token", token); err != nil {
		return err
	}
	cfg.Server.APIToken = token
	slog.Info("generated API bearer token", "key", "server.api_token")
	return nil
}

func wizardRegions(regions []config.Region) []wizard.Region {
	out := make([]wizard.Region, len(regions))
	for i, r := range regions {
		out[i] = wizard.Region{Name: r.Name, Topic: r.Topic}
	}
	return out
}

func runServer(withMCP bool) error {
	fmt.Fprintln(os.Stderr, versionLine())

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	if err := ensureAPIToken(&cfg); err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	// Refuse to start twice. A live /health answer means another instance owns the port.
	pidPath := cfg.PIDFile()
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("pawnbot is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("pawnbot is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			printWarning("closing storage: %v", err)
		}
	}()

	admins := admin.New(store, cfg.Admin.DefaultIDs)
	if err := admins.Seed(); err != nil {
		return fmt.Errorf("seeding admins: %w", err)
	}

	images, err := photo.NewProcessor(photo.Options{
		Dir:       cfg.PhotoDir(),
		MaxBytes:  int64(cfg.Wizard.MaxPhotoMB) << 20,
		MinWidth:  cfg.Wizard.MinWidth,
		MinHeight: cfg.Wizard.MinHeight,
	})
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.FontFile()); err != nil {
		printWarning("document font %s not readable, reports will fail until it is installed: %v", cfg.FontFile(), err)
	}
	renderer := render.New(cfg.FontFile(), cfg.DocumentDir())
	book := ledger.New(cfg.LedgerPath())
	arch := archive.New(cfg.ArchiveDir(), store)

	// The dispatcher needs the queue and the queue needs the API client, so
	// the update handler resolves the dispatcher lazily.
	var dispatcher *telegram.Bot
	// Updates reach the handler in getUpdates order only when it runs
	// synchronously on the single worker; Dispatch then fans out per user.
	tg, err := bot.New(cfg.Telegram.Token,
		bot.WithNotAsyncHandlers(),
		bot.WithWorkers(1),
		bot.WithDefaultHandler(func(ctx context.Context, _ *bot.Bot, update *models.Update) {
			dispatcher.Dispatch(ctx, update)
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to telegram: %w", err)
	}

	transport := telegram.NewTransport(tg, telegram.BreakerSettings{})
	queue := delivery.New(transport, delivery.Options{
		MaxAttempts:   cfg.Delivery.MaxAttempts,
		BaseDelay:     cfg.Delivery.BaseDelay,
		MinInterval:   cfg.Delivery.MinInterval,
		FlushInterval: cfg.Delivery.FlushInterval,
		Capacity:      cfg.Delivery.Capacity,
	})

	regions := wizardRegions(cfg.Regions)
	draftStore := drafts.New(store)
	engine := wizard.New(wizard.Config{
		MaxPhotos:   cfg.Wizard.MaxPhotos,
		MaxPhotoMB:  cfg.Wizard.MaxPhotoMB,
		MinWidth:    cfg.Wizard.MinWidth,
		MinHeight:   cfg.Wizard.MinHeight,
		Regions:     regions,
		GroupChatID: cfg.Telegram.GroupChatID,
	}, wizard.Deps{
		Drafts:   draftStore,
		Settings: store,
		Images:   images,
		Sender:   queue,
		Renderer: renderer,
		Ledger:   book,
		Archiver: arch,
	})

	dispatcher = telegram.New(telegram.Deps{
		Wizard:     engine,
		Sender:     queue,
		Files:      telegram.NewFiles(tg, nil),
		Admins:     admins,
		History:    book,
		Archive:    arch,
		Regions:    cfg.RegionNames(),
		WebAppURL:  cfg.Telegram.WebAppURL,
		MaxPhotoMB: cfg.Wizard.MaxPhotoMB,
		MinWidth:   cfg.Wizard.MinWidth,
		MinHeight:  cfg.Wizard.MinHeight,
	})

	appHandler := api.NewAppHandler(api.AppDeps{
		Token:       cfg.Server.APIToken,
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		Images:      images,
		Renderer:    renderer,
		Sender:      queue,
		Deliveries:  queue,
		Ledger:      book,
		Archive:     arch,
		Admins:      admins,
		Link:        transport,
		Regions:     regions,
		GroupChatID: cfg.Telegram.GroupChatID,
		MaxItems:    cfg.Wizard.MaxPhotos,
	})
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           appHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, maxAPIConnections)

	sweeper := photo.NewSweeper([]string{cfg.PhotoDir(), cfg.DocumentDir()}, cfg.Cleanup.MaxAge, cfg.Cleanup.Interval)
	sweeper.InUse = draftStore.Photos

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("telegram polling started")
		tg.Start(gctx)
		return nil
	})
	g.Go(func() error {
		queue.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "pawnbot listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Wizard:     engine,
			Ledger:     book,
			Archive:    arch,
			Deliveries: queue,
			Regions:    cfg.RegionNames(),
			MaxItems:   cfg.Wizard.MaxPhotos,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	err = g.Wait()
	fmt.Fprintln(os.Stderr, "shutting down...")
	dispatcher.Wait()

	// Last chance for deferred group deliveries.
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	queue.Flush(flushCtx)
	for _, ch := range queue.Pending() {
		slog.Warn("undelivered messages dropped on shutdown", "chat_id", ch.ChatID, "queued", ch.Queued)
	}
	return err
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
		printError("pawnbot is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop pawnbot (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to pawnbot (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		printError("%v", err)
		return nil
	}
	reportStatus(client, cfg)
	return nil
}

func reportStatus(client *apiClient, cfg config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	running := false
	resp, err := client.get(ctx, "/health")
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		var health struct {
			Telegram string `json:"telegram"`
		}
		decodeJSON(resp, &health)
		running = true
		printStatus("Server", "running on port %d", cfg.Server.Port)
		if health.Telegram != "" {
			printStatus("Telegram", "%s", linkLabel(health.Telegram))
		}
	default:
		resp.Body.Close()
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	}

	if running {
		var pending []delivery.ChannelStatus
		if resp, err := client.get(ctx, "/admin/deliveries"); err == nil && decodeJSON(resp, &pending) == nil {
			queued := 0
			for _, ch := range pending {
				queued += ch.Queued
			}
			printStatus("Deliveries", "%s", backlogLabel(len(pending), queued))
		}
		var admins []json.RawMessage
		if resp, err := client.get(ctx, "/admin/admins"); err == nil && decodeJSON(resp, &admins) == nil {
			printStatus("Admins", "%d", len(admins))
		}
	}

	printStatus("Group chat", "%d", cfg.Telegram.GroupChatID)
	printStatus("Regions", "%d", len(cfg.Regions))
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
}

// linkLabel describes a circuit breaker state of the chat connection.
func linkLabel(state string) string {
	switch state {
	case "closed":
		return "connected"
	case "half-open":
		return "recovering"
	case "open":
		return "unreachable, replies are queued"
	default:
		return state
	}
}

func backlogLabel(channels, queued int) string {
	if queued == 0 {
		return "all delivered"
	}
	return fmt.Sprintf("%d queued in %d chat(s)", queued, channels)
}
