// Command nicolive connects to a Niconico live program and prints its
// comment stream. It handles login via the user_session cookie, optional
// backward history, and graceful shutdown via OS signals.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/nicolive-tools/nicolive-go/internal/config"
	"github.com/nicolive-tools/nicolive-go/internal/constants"
	"github.com/nicolive-tools/nicolive-go/internal/live"
	"github.com/nicolive-tools/nicolive-go/internal/logger"
	"github.com/nicolive-tools/nicolive-go/internal/message"
	"github.com/nicolive-tools/nicolive-go/internal/model"
	"github.com/nicolive-tools/nicolive-go/internal/pagedata"
	"github.com/nicolive-tools/nicolive-go/internal/protocol"
	"github.com/nicolive-tools/nicolive-go/internal/stream"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "Path to the configuration file")
	logLevel := flag.String("log-level", "", "Log level: DEBUG, INFO, WARN, ERROR (overrides config)")
	noColor := flag.Bool("no-color", false, "Disable colored output (overrides TTY detection)")
	history := flag.Int("history", -1, "Backward pages to fetch before tailing live (overrides config)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <live id or watch URL>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	// Best effort: a missing .env just means the environment is already set.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *history >= 0 {
		cfg.History.Segments = *history
	}

	liveID, err := model.ParseLiveID(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	colored := !*noColor && !cfg.Log.NoColor &&
		term.IsTerminal(int(os.Stdout.Fd())) && os.Getenv("NO_COLOR") == ""

	log, err := logger.Setup(logger.Config{
		Level:     logger.ParseLevel(cfg.Log.Level),
		FileLevel: slog.LevelDebug,
		Colored:   colored,
		LogDir:    cfg.Log.Dir,
		Name:      liveID,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("Received shutdown signal", "signal", sig.String())
		cancel()

		time.AfterFunc(constants.ShutdownGrace, func() {
			log.Error("Graceful shutdown timed out, forcing exit")
			os.Exit(1)
		})
	}()

	httpClient := &http.Client{}

	bootCtx, bootCancel := context.WithTimeout(ctx, constants.BootstrapTimeout)
	page, err := pagedata.Fetch(bootCtx, httpClient, liveID, cfg.UserSession)
	bootCancel()
	if err != nil {
		log.Error("Failed to load the watch page", "live_id", liveID, "error", err)
		os.Exit(1)
	}

	log.Info("Program found",
		"live_id", page.LiveID,
		"program", page.Title,
		"status", string(page.Status))

	opened := make(chan struct{})
	var openedOnce sync.Once

	client := live.NewClient(page, live.Options{
		Stream:     cfg.StreamRequest(),
		HTTPClient: httpClient,
		Log:        log,
		OnState: func(s live.State) {
			log.Info("Connection state changed", "state", s.String())
			if s == live.StateOpened {
				openedOnce.Do(func() { close(opened) })
			}
		},
	})

	go printMessages(ctx, client.Messages())

	if cfg.History.Segments > 0 {
		go fetchHistory(ctx, client, cfg, log, opened)
	}

	err = client.Run(ctx)
	switch {
	case err == nil:
		log.Info("Program ended")
	case errors.Is(err, context.Canceled):
		log.Info("Shutdown complete")
	default:
		log.Error("Connection failed", "error", err)
		os.Exit(1)
	}
}

// fetchHistory pulls backward pages once the connection is open. The
// backward pointer arrives shortly after the entry stream starts, so a
// brief poll covers the gap.
func fetchHistory(ctx context.Context, client *live.Client, cfg *config.Config, log *logger.Logger, opened <-chan struct{}) {
	select {
	case <-opened:
	case <-ctx.Done():
		return
	}

	var batch *message.BackwardBatch
	var err error
	for attempt := 0; attempt < 20; attempt++ {
		batch, err = client.GetBackwardMessages(ctx, cfg.History.Delay, cfg.History.Segments, false)
		if !errors.Is(err, message.ErrNoBackward) {
			break
		}
		select {
		case <-time.After(250 * time.Millisecond):
		case <-ctx.Done():
			return
		}
	}
	if err != nil {
		log.Warn("History fetch failed", "error", err)
		return
	}
	for _, msg := range batch.Messages {
		printChat(msg)
	}
	log.Info("History fetched", "messages", len(batch.Messages))
}

// printMessages drains the live sequence until it closes or errors.
func printMessages(ctx context.Context, msgs *stream.Channel[*protocol.ChunkedMessage]) {
	for {
		msg, err := msgs.Recv(ctx)
		if err != nil {
			return
		}
		printChat(msg)
	}
}

func printChat(msg *protocol.ChunkedMessage) {
	if msg.Message == nil || msg.Message.Chat == nil {
		return
	}
	chat := msg.Message.Chat
	name := chat.Name
	if name == "" {
		name = chat.HashedUserID
	}
	fmt.Printf("%s: %s\n", name, chat.Content)
}
