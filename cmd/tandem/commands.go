package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/haasonsaas/tandem/internal/hub"
	"github.com/haasonsaas/tandem/internal/memory"
	"github.com/haasonsaas/tandem/internal/memory/embeddings"
	"github.com/haasonsaas/tandem/internal/memory/embeddings/gemini"
	"github.com/haasonsaas/tandem/internal/memory/embeddings/openai"
	"github.com/haasonsaas/tandem/internal/modes"
	"github.com/haasonsaas/tandem/internal/observability"
	"github.com/haasonsaas/tandem/internal/providers"
	"github.com/haasonsaas/tandem/internal/providers/anthropic"
	"github.com/haasonsaas/tandem/internal/providers/bedrock"
	gemprovider "github.com/haasonsaas/tandem/internal/providers/gemini"
	"github.com/haasonsaas/tandem/internal/sessions"
	"github.com/haasonsaas/tandem/internal/sidecar"
	"github.com/haasonsaas/tandem/internal/toolhistory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the execution core",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger := observability.NewLogger(cfg.Log, os.Stderr)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			_, shutdownTracing, err := observability.NewTracer(ctx, cfg.Tracing)
			if err != nil {
				return err
			}
			defer shutdownTracing(context.Background())

			registry := prometheus.NewRegistry()
			metrics := observability.NewMetrics(registry)

			store, err := openSessionStore(ctx, cfg, false)
			if err != nil {
				return err
			}

			memoryDB, err := memory.OpenDB(memory.DBConfig{
				Path:      filepath.Join(cfg.DataDir, "memory.db"),
				Dimension: cfg.Memory.Dimension,
				Logger:    logger.With("component", "memory-db"),
			})
			if err != nil {
				return err
			}
			defer memoryDB.Close()

			var archiver toolhistory.Archiver
			if cfg.ToolHistory.ArchiveBucket != "" {
				s3Archiver, err := toolhistory.NewS3Archiver(ctx, toolhistory.S3ArchiverConfig{
					Bucket: cfg.ToolHistory.ArchiveBucket,
					Region: cfg.ToolHistory.ArchiveRegion,
				})
				if err != nil {
					return err
				}
				archiver = s3Archiver
			}

			history, err := toolhistory.Open(toolhistory.Config{
				Path:          filepath.Join(cfg.DataDir, "tool_history.db"),
				Archiver:      archiver,
				SweepSchedule: cfg.ToolHistory.SweepSchedule,
				Metrics:       metrics,
				Logger:        logger.With("component", "tool-history"),
			})
			if err != nil {
				return err
			}
			defer history.Close()

			// Orphans from a previous process death become terminal now.
			if n, err := history.MarkRunningToolsTerminal(ctx, "", 0, "process restarted"); err != nil {
				logger.Warn("startup reconciliation failed", "error", err)
			} else if n > 0 {
				logger.Info("reconciled orphaned tool rows", "count", n)
			}

			client, closeClient, err := buildSidecar(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeClient()

			streamHub := hub.New(client, hub.Config{
				Recorder: history,
				Metrics:  metrics,
				Logger:   logger.With("component", "stream-hub"),
			})
			streamHub.Start()
			defer streamHub.Stop()

			embedder, err := buildEmbedder(ctx, cfg)
			if err != nil {
				return err
			}
			manager := memory.NewManager(memoryDB, embedder, memory.ManagerConfig{
				Logger:          logger.With("component", "memory"),
				Metrics:         metrics,
				Events:          streamHub,
				CleanupSchedule: cfg.Memory.CleanupSchedule,
			})
			defer manager.Close()

			modeStore := modes.NewStore(modes.StoreConfig{
				UserDir: filepath.Join(cfg.DataDir, "config"),
				Logger:  logger.With("component", "modes"),
			})

			mux := http.NewServeMux()
			mux.Handle("/events", hub.NewWSGateway(streamHub, logger.With("component", "stream-ws")))
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
				list, err := store.ListSessionsScoped(r.Context(), r.URL.Query().Get("workspace"))
				if err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(list)
			})
			mux.HandleFunc("/modes", func(w http.ResponseWriter, r *http.Request) {
				list, err := modeStore.ListModes(r.URL.Query().Get("workspace"))
				if err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(list)
			})
			server := &http.Server{Addr: cfg.Gateway.Listen, Handler: mux}
			go func() {
				logger.Info("gateway listening", "addr", cfg.Gateway.Listen)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("gateway failed",
						"code", observability.CodeEngineStartupFailed, "error", err)
					stop()
				}
			}()

			<-ctx.Done()
			logger.Info("shutting down")
			return server.Shutdown(context.Background())
		},
	}
}

func openSessionStore(ctx context.Context, cfg *Config, forceLegacy bool) (sessions.Store, error) {
	if cfg.Sessions.Backend == "postgres" {
		return sessions.NewPostgresStore(ctx, sessions.PostgresConfig{DSN: cfg.Sessions.DSN})
	}
	return sessions.NewFileStore(sessions.FileStoreConfig{
		BaseDir:           filepath.Join(cfg.DataDir, "sessions"),
		LegacyDir:         filepath.Join(cfg.DataDir, "storage"),
		ForceLegacyImport: forceLegacy,
	})
}

// buildSidecar connects to the external sidecar over gRPC, or drives a
// provider adapter in-process when target is "local".
func buildSidecar(ctx context.Context, cfg *Config) (sidecar.Client, func(), error) {
	if cfg.Sidecar.Target != "local" {
		client, err := sidecar.NewGRPCClient(sidecar.GRPCConfig{Target: cfg.Sidecar.Target})
		if err != nil {
			return nil, nil, err
		}
		return client, func() { client.Close() }, nil
	}

	provider, err := buildProvider(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return sidecar.NewLocal(provider), func() {}, nil
}

func buildProvider(ctx context.Context, cfg *Config) (providers.Provider, error) {
	switch {
	case cfg.Providers.Anthropic.APIKey != "":
		return anthropic.New(anthropic.Config{
			APIKey: cfg.Providers.Anthropic.APIKey,
			Model:  cfg.Providers.Anthropic.Model,
		})
	case cfg.Providers.Gemini.APIKey != "":
		return gemprovider.New(ctx, gemprovider.Config{
			APIKey: cfg.Providers.Gemini.APIKey,
			Model:  cfg.Providers.Gemini.Model,
		})
	case cfg.Providers.Bedrock.Region != "" || cfg.Providers.Bedrock.Model != "":
		return bedrock.New(ctx, bedrock.Config{
			Region: cfg.Providers.Bedrock.Region,
			Model:  cfg.Providers.Bedrock.Model,
		})
	default:
		return nil, fmt.Errorf("sidecar target is \"local\" but no provider is configured")
	}
}

func buildEmbedder(ctx context.Context, cfg *Config) (embeddings.Provider, error) {
	switch cfg.Memory.Provider {
	case "openai":
		return openai.New(openai.Config{APIKey: cfg.Memory.APIKey, Model: cfg.Memory.Model})
	case "gemini":
		return gemini.New(ctx, gemini.Config{
			APIKey: cfg.Memory.APIKey, Model: cfg.Memory.Model, Dimension: cfg.Memory.Dimension,
		})
	case "":
		return &embeddings.Disabled{Reason: "no embedding provider configured"}, nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Memory.Provider)
	}
}

func newMigrateLegacyCmd() *cobra.Command {
	var legacyDir string
	cmd := &cobra.Command{
		Use:   "migrate-legacy",
		Short: "Rescan and import the legacy session tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if legacyDir == "" {
				legacyDir = filepath.Join(cfg.DataDir, "storage")
			}
			store, err := sessions.NewFileStore(sessions.FileStoreConfig{
				BaseDir:           filepath.Join(cfg.DataDir, "sessions"),
				LegacyDir:         legacyDir,
				ForceLegacyImport: true,
			})
			if err != nil {
				return err
			}
			list, err := store.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("store now holds %d sessions\n", len(list))
			return nil
		},
	}
	cmd.Flags().StringVar(&legacyDir, "legacy-dir", "", "legacy tree root (session/, message/, part/)")
	return cmd
}

func newIndexProjectCmd() *cobra.Command {
	var projectID, workspace string
	cmd := &cobra.Command{
		Use:   "index-project",
		Short: "Incrementally index a workspace into project memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if projectID == "" || workspace == "" {
				return fmt.Errorf("--project and --workspace are required")
			}

			db, err := memory.OpenDB(memory.DBConfig{
				Path:      filepath.Join(cfg.DataDir, "memory.db"),
				Dimension: cfg.Memory.Dimension,
			})
			if err != nil {
				return err
			}
			defer db.Close()

			embedder, err := buildEmbedder(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			manager := memory.NewManager(db, embedder, memory.ManagerConfig{})
			defer manager.Close()

			indexer := memory.NewIndexer(manager, memory.IndexerConfig{
				OnProgress: func(processed, total int, path string) {
					fmt.Printf("\r%d/%d %s\x1b[K", processed, total, path)
				},
			})
			status, err := indexer.IndexProject(cmd.Context(), projectID, workspace)
			if err != nil {
				return err
			}
			fmt.Printf("\nindexed=%d skipped=%d deleted=%d errors=%d\n",
				status.IndexedFiles, status.SkippedFiles, status.DeletedFiles, status.ErrorCount)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace root to index")
	return cmd
}

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive credential setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			reader := bufio.NewReader(os.Stdin)

			fmt.Print("Anthropic API key (blank to skip): ")
			key, err := readSecret(reader)
			if err != nil {
				return err
			}
			if key != "" {
				cfg.Providers.Anthropic.APIKey = key
			}

			fmt.Print("Embedding provider [openai/gemini/none]: ")
			provider, _ := reader.ReadString('\n')
			provider = strings.TrimSpace(provider)
			if provider != "" && provider != "none" {
				cfg.Memory.Provider = provider
				fmt.Printf("%s API key: ", provider)
				embKey, err := readSecret(reader)
				if err != nil {
					return err
				}
				cfg.Memory.APIKey = embKey
			}

			if err := saveConfig(configPath, cfg); err != nil {
				return err
			}
			fmt.Println("configuration written to", configPath)
			return nil
		},
	}
}

// readSecret reads without echo when stdin is a terminal, falling back to a
// plain line read when piped.
func readSecret(reader *bufio.Reader) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		data, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", nil
	}
	return strings.TrimSpace(line), nil
}
