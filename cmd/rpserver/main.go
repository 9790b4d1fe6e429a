// rpserver accepts mutually-authenticated restpipe clients and, when the
// gateway is enabled, lets HTTP callers push events to a client by IP.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/restpipe/internal/config"
	"github.com/danmuck/restpipe/internal/gateway"
	"github.com/danmuck/restpipe/internal/handlers"
	"github.com/danmuck/restpipe/internal/observability"
	"github.com/danmuck/restpipe/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

type options struct {
	configPath string
	overlay    string
	gateway    bool
	gatewaySet bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "rpserver: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("rpserver", pflag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "config file (.toml or .yaml)")
	fs.StringVar(&opts.overlay, "overlay", "", "TOML user overlay; only keys it defines apply")
	fs.BoolVar(&opts.gateway, "gateway", false, "serve the HTTP gateway (overrides server.gateway.enabled)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	opts.gatewaySet = fs.Changed("gateway")
	return opts, nil
}

type runtime struct {
	cfg     config.File
	server  *server.Server
	gateway *gateway.Gateway
}

// build resolves configuration and wires the server and optional gateway
// without starting them.
func build(opts options) (runtime, error) {
	cfg, err := config.Load(config.Options{Path: opts.configPath, Overlay: opts.overlay, Role: config.RoleServer})
	if err != nil {
		return runtime{}, err
	}
	rt, err := handlers.Builtin().Build(cfg.Server.Handlers, cfg.Server.RouterConfig())
	if err != nil {
		return runtime{}, err
	}
	srv, err := server.New(cfg.Server.ServerConfig(), rt)
	if err != nil {
		return runtime{}, err
	}
	out := runtime{cfg: cfg, server: srv}

	enabled := cfg.Server.Gateway.Enabled
	if opts.gatewaySet {
		enabled = opts.gateway
	}
	if enabled {
		out.gateway = gateway.New(cfg.Server.Gateway.GatewayConfig(config.RoleServer))
		out.gateway.MountServer(srv)
	}
	return out, nil
}

func run(ctx context.Context, args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	rt, err := build(opts)
	if err != nil {
		return err
	}

	observability.InitLogger(rt.cfg.Log.LoggingConfig("rpserver"))
	log.Info().
		Str("listen", rt.server.Config().ListenAddr).
		Str("handlers", rt.cfg.Server.Handlers).
		Bool("gateway", rt.gateway != nil).
		Msg("rpserver starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.server.Run(gctx) })
	if rt.gateway != nil {
		g.Go(func() error { return rt.gateway.Run(gctx) })
	}
	return g.Wait()
}
