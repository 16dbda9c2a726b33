package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roboricindustries/raycon-chat/pkg/config"
	"github.com/roboricindustries/raycon-chat/pkg/logging"
	"github.com/roboricindustries/raycon-chat/pkg/metrics"
	"github.com/roboricindustries/raycon-chat/pkg/persist"
	"github.com/roboricindustries/raycon-chat/pkg/session"
	"github.com/roboricindustries/raycon-chat/pkg/transport"
)

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "chatdesk",
		Short:         "Storefront chat client for customers and the operator desk",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.envFile != "" {
				return loadEnvFile(opts.envFile)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "extra .env file to load")

	cmd.AddCommand(
		newClientCommand(opts, roleCustomer),
		newClientCommand(opts, roleOperator),
		newDemoCommand(opts),
	)
	return cmd
}

// app bundles everything a client command needs and tears it down in Close.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	kv      persist.KV

	closers []io.Closer
	server  *http.Server
}

func newApp(opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if _, err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log, logCloser, err := logging.New(cfg.LogOptions())
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, metrics: metrics.New(""), closers: []io.Closer{logCloser}}

	switch cfg.Storage.Kind {
	case config.StoragePebble:
		kv, err := persist.OpenPebble(cfg.Storage.Path, "raycon-chat", log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.kv = kv
	default:
		a.kv = persist.NewMemory()
	}
	a.closers = append([]io.Closer{a.kv}, a.closers...)

	if cfg.Metrics.Addr != "" {
		a.serveMetrics(cfg.Metrics.Addr)
	}
	return a, nil
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	a.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server stopped", slog.Any("error", err))
		}
	}()
	a.log.Info("metrics listening", slog.String("addr", addr))
}

// transport builds the configured link. hub backs the memory kind.
func (a *app) transport(producer string, hub *transport.MemoryHub) transport.Transport {
	switch a.cfg.Transport.Kind {
	case config.TransportAMQP:
		return transport.NewAMQP(a.cfg.AMQP(producer), a.log)
	case config.TransportWebSocket:
		return transport.NewWebSocket(a.cfg.WebSocket(), a.log)
	case config.TransportOffline:
		return transport.NewFallback(a.log)
	}
	if hub == nil {
		a.log.Warn("memory transport only reaches clients in this process")
		hub = transport.NewMemoryHub(a.log)
	}
	return hub.Dial(producer)
}

func (a *app) session(tr transport.Transport, kv persist.KV) *session.Controller {
	return session.New(tr, kv, session.Options{
		Greeting:      a.cfg.Chat.Greeting,
		DeskName:      a.cfg.Chat.DeskName,
		AckTimeout:    a.cfg.Chat.AckTimeout,
		MaxImageBytes: a.cfg.Chat.MaxImageBytes,
		Metrics:       a.metrics,
		Logger:        a.log,
	})
}

func (a *app) Close() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.server.Shutdown(ctx)
		cancel()
	}
	for _, c := range a.closers {
		if c != nil {
			_ = c.Close()
		}
	}
}
