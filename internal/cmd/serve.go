package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"go-agent-network/internal/blackboard"
	"go-agent-network/internal/config"
	"go-agent-network/internal/core"
	"go-agent-network/internal/gateway"
	"go-agent-network/internal/logging"
	"go-agent-network/internal/network"
	"go-agent-network/internal/sink"
	"go-agent-network/internal/telemetry"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the weather demo network over SSE",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().String("mode", "", "gateway mode: shared or ephemeral")
	_ = v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("gateway.mode", cmd.Flags().Lookup("mode"))
	return cmd
}

// Server bundles the handler built from a configuration with the resources
// it owns.
type Server struct {
	Handler http.Handler
	closers []func() error
}

// Close releases the runner and Redis clients.
func (s *Server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// NewServer builds the demo network and its gateway from cfg. In shared mode
// the network starts running immediately under ctx.
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{}
	recorder := telemetry.New()

	runOpts := []network.RunOption{
		network.WithCapacity(cfg.Plane.Capacity),
		network.WithLogger(logger),
		network.WithRecorder(recorder),
	}
	withRedis := cfg.Redis.Addr != ""
	if withRedis {
		opts := &redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
		store := blackboard.NewRedisStore(opts, logger)
		srv.closers = append(srv.closers, store.Close)
		runOpts = append(runOpts,
			network.WithState(store),
			network.WithSinks(sink.Registry{sink.KindRedis: sink.RedisFactory(opts, logger)}))
	} else {
		store := blackboard.NewMemoryStore()
		srv.closers = append(srv.closers, store.Close)
		runOpts = append(runOpts, network.WithState(store))
	}

	n, err := DemoNetwork(withRedis)
	if err != nil {
		return nil, errors.Join(err, srv.Close())
	}

	gwOpts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithRecorder(recorder),
		gateway.WithHeartbeat(cfg.Gateway.Heartbeat),
		gateway.WithEvents(cfg.Gateway.Events...),
	}
	for _, c := range cfg.Gateway.Channels {
		name, err := n.Resolve(c)
		if err != nil {
			return nil, errors.Join(&core.ConfigurationError{Op: "gateway.channels", Err: err}, srv.Close())
		}
		gwOpts = append(gwOpts, gateway.WithChannels(name))
	}
	if cfg.Gateway.RateLimit > 0 {
		gwOpts = append(gwOpts, gateway.WithLimiter(rate.NewLimiter(rate.Limit(cfg.Gateway.RateLimit), cfg.Gateway.Burst)))
	}
	if cfg.Gateway.Token != "" {
		gwOpts = append(gwOpts, gateway.WithAuth(gateway.BearerToken(cfg.Gateway.Token)))
	}

	var gw *gateway.Gateway
	switch gateway.Mode(cfg.Gateway.Mode) {
	case gateway.ModeShared:
		runner, err := n.Run(ctx, runOpts...)
		if err != nil {
			return nil, errors.Join(err, srv.Close())
		}
		srv.closers = append(srv.closers, runner.Close)
		gw = gateway.NewShared(runner, gwOpts...)
	default:
		gw = gateway.NewEphemeral(n, append(gwOpts, gateway.WithRunOptions(runOpts...))...)
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.Path, gw)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv.Handler = mux
	return srv, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	slog.SetDefault(logger)

	srv, err := NewServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errs := make(chan error, 1)
	go func() {
		logger.Info("agentnet listening", "addr", cfg.Server.Addr, "path", cfg.Server.Path, "mode", cfg.Gateway.Mode)
		errs <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.Info("agentnet shutting down")
	return httpSrv.Shutdown(shutdownCtx)
}
