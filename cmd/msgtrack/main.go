package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shohag/msgtrack/internal/api"
	"github.com/shohag/msgtrack/internal/config"
	"github.com/shohag/msgtrack/internal/models"
	"github.com/shohag/msgtrack/internal/relay"
	"github.com/shohag/msgtrack/internal/session"
	"github.com/shohag/msgtrack/internal/storage"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "msgtrack",
		Short: "msgtrack: chat delivery tracking client and development relay",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(chatCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(historyCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(tokenCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the development relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging, os.Stdout)

			hub := relay.NewHub(relay.Config{Secret: cfg.Auth.Secret, TokenTTL: cfg.Auth.TokenTTL}, log)
			server := api.NewServer(cfg.Server, hub, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Msg("msgtrack relay is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}

			log.Info().Msg("msgtrack relay stopped")
			return nil
		},
	}
}

func chatCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open a chat session; each stdin line is sent as a message",
		Long: `Open a chat session against the configured transport.

Each line read from stdin is sent to --to in --thread. Lines starting with
"/resend <id>" retry a failed message and "/read" marks the last received
message as read.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			to, _ := cmd.Flags().GetString("to")
			thread, _ := cmd.Flags().GetString("thread")
			user, _ := cmd.Flags().GetString("user")
			if to == "" {
				return fmt.Errorf("--to is required")
			}

			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if user != "" {
				cfg.Auth.UserID = user
			}
			if cfg.Auth.UserID == "" {
				return fmt.Errorf("--user or auth.user_id is required")
			}
			if thread == "" {
				thread = threadFor(cfg.Auth.UserID, to)
			}

			log := setupLogger(cfg.Logging, os.Stderr)

			opts := []session.Option{}
			noJournal, _ := cmd.Flags().GetBool("no-journal")
			if !noJournal {
				store, err := setupStorage(cfg.Storage, log)
				if err != nil {
					return fmt.Errorf("failed to setup storage: %w", err)
				}
				defer store.Close()
				if err := store.Migrate(context.Background()); err != nil {
					return fmt.Errorf("failed to run migrations: %w", err)
				}
				opts = append(opts, session.WithJournal(store))
			}

			s, err := session.New(cfg, log, opts...)
			if err != nil {
				return fmt.Errorf("failed to start session: %w", err)
			}

			out := cmd.OutOrStdout()
			s.Statuses().Subscribe(func(id string, st models.DeliveryStatus) {
				fmt.Fprintf(out, "  [%s] %s\n", st, id)
			})

			inbound := make(chan *models.Message, 64)
			s.OnMessage(func(m *models.Message) {
				fmt.Fprintf(out, "%s: %s\n", m.SenderID, m.Content)
				select {
				case inbound <- m:
				default:
				}
			})

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			s.Start(ctx)

			lines := make(chan string)
			go readLines(cmd.InOrStdin(), lines)

			var last *models.Message
			for {
				select {
				case <-ctx.Done():
					return s.Close()
				case m := <-inbound:
					last = m
				case line, ok := <-lines:
					if !ok {
						return s.Close()
					}
					runLine(s, thread, to, line, &last, log)
				}
			}
		},
	}
	cmd.Flags().String("user", "", "user id for this session (overrides auth.user_id)")
	cmd.Flags().String("to", "", "recipient user id")
	cmd.Flags().String("thread", "", "thread id (defaults to a stable id for the user pair)")
	cmd.Flags().Bool("no-journal", false, "do not mirror messages into storage")
	return cmd
}

func runLine(s *session.Session, thread, to, line string, last **models.Message, log zerolog.Logger) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
	case strings.HasPrefix(line, "/resend "):
		id := strings.TrimSpace(strings.TrimPrefix(line, "/resend "))
		if err := s.Resend(id); err != nil {
			log.Warn().Err(err).Str("message_id", id).Msg("resend rejected")
		}
	case line == "/read":
		if *last != nil {
			s.MarkRead(*last)
		}
	default:
		msg, err := s.Send(thread, to, line)
		if err != nil {
			log.Warn().Err(err).Msg("send rejected")
			return
		}
		log.Debug().Str("message_id", msg.ID).Msg("submitted")
	}
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines <- sc.Text()
	}
}

// threadFor names the one-to-one thread of two users independent of who
// opened it.
func threadFor(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run journal migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging, os.Stdout)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func historyCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <thread_id>",
		Short: "Print a journaled thread with the last known status of each message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := context.Background()
			msgs, err := store.ListThread(ctx, args[0], limit, 0)
			if err != nil {
				return fmt.Errorf("failed to list thread: %w", err)
			}
			if len(msgs) == 0 {
				fmt.Println("No messages found.")
				return nil
			}

			for _, m := range msgs {
				st := "-"
				if e, err := store.GetStatus(ctx, m.ID); err == nil && e != nil {
					st = e.Status.String()
				}
				fmt.Printf("  %s  %-9s  %s -> %s: %s\n", m.CreatedAt.Format(time.RFC3339), st, m.SenderID, m.RecipientID, m.Content)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 50, "maximum number of messages")
	return cmd
}

func statsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show delivery stats from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := context.Background()
			stats, err := store.GetStats(ctx)
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}

			out, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(out))

			if failed, _ := cmd.Flags().GetBool("failed"); failed {
				entries, err := store.ListByStatus(ctx, models.StatusFailed, 100)
				if err != nil {
					return fmt.Errorf("failed to list failed messages: %w", err)
				}
				for _, e := range entries {
					fmt.Printf("  %s  failed at %s\n", e.MessageID, e.UpdatedAt.Format(time.RFC3339))
				}
			}
			return nil
		},
	}
	cmd.Flags().Bool("failed", false, "also list failed messages")
	return cmd
}

func tokenCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "token <user_id>",
		Short: "Issue a session token signed with auth.secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			hub := relay.NewHub(relay.Config{Secret: cfg.Auth.Secret, TokenTTL: cfg.Auth.TokenTTL}, zerolog.Nop())
			token, err := hub.IssueToken(args[0])
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("msgtrack v%s\n", version)
		},
	}
}

func setupLogger(cfg config.LoggingConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: w}).
			With().Timestamp().Logger()
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite journal")
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		return storage.NewSQLite(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func storeFromConfig(configPath string) (storage.Storage, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging, os.Stderr)
	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, func() { store.Close() }, nil
}
