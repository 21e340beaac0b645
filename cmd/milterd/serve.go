package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	milterd "github.com/nemorim/milterd"
)

// config holds the layered serve configuration: flag defaults, overridden by
// flags, overridden by MILTERD_* environment variables.
type config struct {
	Network         string        `koanf:"network"`
	Addr            string        `koanf:"addr"`
	LogLevel        string        `koanf:"log-level"`
	ShutdownTimeout time.Duration `koanf:"shutdown-timeout"`
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the milter server",
		RunE:  runServe,
	}
	flags := cmd.Flags()
	flags.String("network", "tcp", "listener network: tcp, tcp4, tcp6 or unix")
	flags.String("addr", "127.0.0.1:3333", "listener address, or socket path for unix")
	flags.String("log-level", "info", "logrus level: trace, debug, info, warn, error")
	flags.Duration("shutdown-timeout", 10*time.Second, "how long to wait for in-flight connections to drain on shutdown")
	return cmd
}

func loadConfig(cmd *cobra.Command) (config, error) {
	k := koanf.New(".")
	if err := k.Load(posflag.Provider(cmd.Flags(), ".", k), nil); err != nil {
		return config{}, fmt.Errorf("loading flags: %w", err)
	}
	if err := k.Load(env.Provider("MILTERD_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "MILTERD_")
		return strings.ReplaceAll(strings.ToLower(s), "_", "-")
	}), nil); err != nil {
		return config{}, fmt.Errorf("loading environment: %w", err)
	}
	var cfg config
	if err := k.Unmarshal("", &cfg); err != nil {
		return config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	log.SetLevel(level)

	if cfg.Network == "unix" {
		_ = os.Remove(cfg.Addr)
	}
	ln, err := net.Listen(cfg.Network, cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s/%s: %w", cfg.Network, cfg.Addr, err)
	}
	defer func() { _ = ln.Close() }()
	if cfg.Network == "unix" {
		defer func() { _ = os.Remove(cfg.Addr) }()
	}

	app := newLogApp(log)
	server := milterd.NewServer(app, milterd.WithLogger(log))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ln)
	}()

	log.Infof("milterd listening on %s/%s", cfg.Network, cfg.Addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
		log.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		<-serveErr
		return nil
	case err := <-serveErr:
		if err != nil && err != milterd.ErrServerClosed {
			return err
		}
		return nil
	}
}
