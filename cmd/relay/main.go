package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zhouzirui/z-relay/backend/internal/config"
	"github.com/zhouzirui/z-relay/backend/internal/handler"
	"github.com/zhouzirui/z-relay/backend/internal/service/geo"
	"github.com/zhouzirui/z-relay/backend/internal/service/mirror"
	"github.com/zhouzirui/z-relay/backend/internal/service/relay"
)

var (
	v      = config.New()
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Real-time message relay with backlog replay",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logLevel := slog.LevelInfo
		if v.GetBool(config.KeyDebug) {
			logLevel = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay HTTP/WebSocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().Bool(config.KeyDebug, false, "enable debug logging")

	flags := serveCmd.Flags()
	flags.String(config.KeyAddr, "", "listen address or port (default :5173, or $PORT)")
	flags.String(config.KeyStaticDir, "dist", "directory holding the UI bundle; empty disables static serving")
	flags.String(config.KeyAdminPassword, "1234", "admin panel password")
	flags.String(config.KeyGeoDB, "", "path to a GeoLite2/GeoIP2 City .mmdb file")
	flags.String(config.KeyGeoTable, "", "path to a YAML CIDR geolocation table")
	flags.Int64(config.KeyMaxMessageBytes, int64(3)<<30, "largest accepted websocket frame in bytes")
	flags.Int(config.KeySendBuffer, 256, "per-session outbound queue length")
	flags.String(config.KeyNATSURL, "", "mirror stored messages to this NATS server")
	flags.String(config.KeyNATSSubject, mirror.DefaultSubject, "NATS subject for mirrored messages")

	bindFlags(v, config.KeyDebug, rootCmd)
	for _, key := range []string{
		config.KeyAddr, config.KeyStaticDir, config.KeyAdminPassword, config.KeyGeoDB,
		config.KeyGeoTable, config.KeyMaxMessageBytes, config.KeySendBuffer,
		config.KeyNATSURL, config.KeyNATSSubject,
	} {
		bindFlags(v, key, serveCmd)
	}

	rootCmd.AddCommand(serveCmd)
}

func bindFlags(v *viper.Viper, key string, cmd *cobra.Command) {
	flag := cmd.Flags().Lookup(key)
	if flag == nil {
		flag = cmd.PersistentFlags().Lookup(key)
	}
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	locator, closeLocator, err := newLocator(cfg.Geo)
	if err != nil {
		return err
	}
	defer closeLocator()

	opts := []relay.Option{
		relay.WithLogger(logger.With("component", "hub")),
		relay.WithSendBuffer(cfg.Relay.SendBuffer),
	}

	if cfg.Mirror.Enabled() {
		m, err := mirror.Connect(cfg.Mirror.URL, cfg.Mirror.Subject, logger)
		if err != nil {
			logger.Warn("continuing without NATS mirror", "err", err)
		} else {
			defer m.Close()
			opts = append(opts, relay.WithMirror(m))
		}
	}

	hub := relay.NewHub(relay.NewStore(), relay.NewRegistry(locator), opts...)

	router := handler.NewRouter(hub, handler.Options{
		StaticDir:       cfg.Server.StaticDir,
		AdminPassword:   cfg.Admin.Password,
		MaxMessageBytes: cfg.Relay.MaxMessageBytes,
		Logger:          logger,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("relay listening", "addr", cfg.Server.Addr, "static", cfg.Server.StaticDir)
	return runServer(ctx, srv)
}

// newLocator picks the geolocation source: mmdb file, then YAML table, then none.
func newLocator(cfg config.GeoConfig) (geo.Locator, func(), error) {
	switch {
	case cfg.DBPath != "":
		db, err := geo.OpenMaxMind(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("geolocation enabled", "source", "mmdb", "path", cfg.DBPath)
		return db, func() { _ = db.Close() }, nil
	case cfg.TablePath != "":
		table, err := geo.LoadTable(cfg.TablePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("geolocation enabled", "source", "table", "path", cfg.TablePath, "prefixes", table.Len())
		return table, func() {}, nil
	default:
		logger.Info("geolocation disabled, no dataset configured")
		return geo.Nop{}, func() {}, nil
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
