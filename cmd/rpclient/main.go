// rpclient holds one connection to an rpserver, answers the server's events
// and exposes local event emission over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/restpipe/internal/client"
	"github.com/danmuck/restpipe/internal/config"
	"github.com/danmuck/restpipe/internal/gateway"
	"github.com/danmuck/restpipe/internal/handlers"
	"github.com/danmuck/restpipe/internal/observability"
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
		fmt.Fprintf(os.Stderr, "rpclient: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("rpclient", pflag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "config file (.toml or .yaml)")
	fs.StringVar(&opts.overlay, "overlay", "", "TOML user overlay; only keys it defines apply")
	fs.BoolVar(&opts.gateway, "gateway", true, "serve the HTTP gateway (overrides client.gateway.enabled)")
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
	cfg         config.File
	reconnector *client.Reconnector
	gateway     *gateway.Gateway
}

func build(opts options) (runtime, error) {
	cfg, err := config.Load(config.Options{Path: opts.configPath, Overlay: opts.overlay, Role: config.RoleClient})
	if err != nil {
		return runtime{}, err
	}
	rt, err := handlers.Builtin().Build(cfg.Client.Handlers, cfg.Client.RouterConfig())
	if err != nil {
		return runtime{}, err
	}
	rc, err := client.New(cfg.Client.ClientConfig(), rt)
	if err != nil {
		return runtime{}, err
	}
	out := runtime{cfg: cfg, reconnector: rc}

	enabled := cfg.Client.Gateway.Enabled
	if opts.gatewaySet {
		enabled = opts.gateway
	}
	if enabled {
		out.gateway = gateway.New(cfg.Client.Gateway.GatewayConfig(config.RoleClient))
		out.gateway.MountClient(rc)
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

	observability.InitLogger(rt.cfg.Log.LoggingConfig("rpclient"))
	log.Info().
		Str("target", rt.cfg.Client.ClientConfig().Address).
		Str("handlers", rt.cfg.Client.Handlers).
		Bool("gateway", rt.gateway != nil).
		Msg("rpclient starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.reconnector.Run(gctx) })
	if rt.gateway != nil {
		g.Go(func() error { return rt.gateway.Run(gctx) })
	}
	return g.Wait()
}
