package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/poiesic/handbook"
	"github.com/poiesic/handbook/ingestion"
	"github.com/poiesic/handbook/llm"
	"github.com/poiesic/handbook/reembed"
)

const closeTimeout = 30 * time.Second

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	parent := c.Context
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func closeService(svc *handbook.Service, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		slog.Error("error shutting down service", "err", err)
	}
}

func serveCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("host") {
		cfg.Server.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}
	if c.IsSet("ingest-dir") {
		cfg.Ingestion.Root = c.String("ingest-dir")
	}

	ctx, stop := signalContext(c)
	defer stop()

	svc, err := handbook.NewService(cfg)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		closeService(svc, closeTimeout)
		return fmt.Errorf("failed to start service: %w", err)
	}

	srv, err := svc.NewServer()
	if err != nil {
		closeService(svc, closeTimeout)
		return fmt.Errorf("failed to create server: %w", err)
	}

	if doc := c.String("document"); doc != "" {
		go func() {
			if err := svc.Orchestrator().EnsureEmbeddings(ctx, doc); err != nil && ctx.Err() == nil {
				slog.Error("startup ingestion failed", "path", doc, "err", err)
			}
		}()
	}

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- srv.Listen(cfg.Address())
	}()
	slog.Info("listening", "addr", cfg.Address(), "store", cfg.Storage.Type, "backend", cfg.Generation.Backend)

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case runErr = <-listenErr:
		if runErr != nil {
			runErr = fmt.Errorf("server stopped: %w", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.Duration("shutdown-timeout"))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutdown server: %w", err))
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutdown service: %w", err))
	}
	return runErr
}

func ingestCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("ingest requires exactly one document path")
	}
	path := c.Args().First()
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("document %s: %w", path, err)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(c)
	defer stop()

	svc, err := handbook.NewService(cfg, handbook.WithLazyLoad())
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	defer closeService(svc, closeTimeout)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}

	orch := svc.Orchestrator()
	if c.Bool("force") {
		h, err := orch.SubmitIngestion(path)
		if err != nil {
			return err
		}
		v, err := h.Wait(ctx)
		if err != nil {
			return fmt.Errorf("ingestion failed: %w", err)
		}
		if report, ok := v.(*ingestion.Report); ok {
			fmt.Fprintf(c.App.ErrWriter, "Ingested %s: %d pages, %d passages in %s\n",
				report.Source, report.Pages, report.Passages, report.Elapsed.Round(time.Millisecond))
		}
	} else if err := orch.EnsureEmbeddings(ctx, path); err != nil {
		return err
	}

	n, err := svc.Store().Count(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Store holds %d passages\n", n)
	return nil
}

func askCommand(c *cli.Context) error {
	question := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if question == "" {
		return fmt.Errorf("ask requires a question")
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("top-k") {
		cfg.Retrieval.TopK = c.Int("top-k")
	}

	ctx, stop := signalContext(c)
	defer stop()

	svc, err := handbook.NewService(cfg, handbook.WithLazyLoad())
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	defer closeService(svc, closeTimeout)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}

	if doc := c.String("document"); doc != "" {
		if err := svc.Orchestrator().EnsureEmbeddings(ctx, doc); err != nil {
			return err
		}
	}

	stream, err := svc.Orchestrator().ProcessQuery(ctx, question)
	if err != nil {
		return err
	}
	return printAnswer(ctx, c, stream)
}

// printAnswer copies data chunks to stdout as they arrive. Text already
// printed cannot be withdrawn, so a restart starts the answer on a new line.
func printAnswer(ctx context.Context, c *cli.Context, stream *llm.Stream) error {
	defer stream.Close()

	out := c.App.Writer
	for {
		chunk, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		switch chunk.Kind {
		case llm.ChunkData:
			fmt.Fprint(out, chunk.Text)
		case llm.ChunkRestart:
			fmt.Fprintln(out)
			fmt.Fprintln(c.App.ErrWriter, "-- answer restarted on fallback backend --")
		case llm.ChunkError:
			fmt.Fprintln(out)
			return chunk.Err
		case llm.ChunkEnd:
			fmt.Fprintln(out)
			return nil
		}
	}
}

func reembedCommand(c *cli.Context) error {
	reembedConfig := &reembed.Config{
		BatchSize:      c.Int("batch-size"),
		ReportInterval: c.Int("report-interval"),
		MaxRetries:     c.Int("max-retries"),
		RetryDelay:     c.Duration("retry-delay"),
		MaxRetryDelay:  reembed.DefaultConfig().MaxRetryDelay,
	}

	if reembedConfig.BatchSize <= 0 {
		return fmt.Errorf("batch-size must be greater than 0")
	}
	if reembedConfig.ReportInterval <= 0 {
		return fmt.Errorf("report-interval must be greater than 0")
	}
	if reembedConfig.MaxRetries <= 0 {
		return fmt.Errorf("max-retries must be greater than 0")
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(c)
	defer stop()

	svc, err := handbook.NewService(cfg, handbook.WithLazyLoad())
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	defer closeService(svc, closeTimeout)

	reembedder, err := svc.NewReembedder(reembedConfig, c.App.ErrWriter)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.App.ErrWriter, "Store: %s\n", cfg.Storage.Type)
	fmt.Fprintf(c.App.ErrWriter, "Embedding host: %s\n", cfg.Embedding.Host)
	fmt.Fprintf(c.App.ErrWriter, "Embedding model: %s\n", cfg.Embedding.Model)
	fmt.Fprintln(c.App.ErrWriter)

	if _, err := reembedder.Run(ctx); err != nil {
		return fmt.Errorf("reembedding failed: %w", err)
	}
	return nil
}
