// configgen writes restpipe config templates and validates existing files.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/danmuck/restpipe/internal/config"
	"github.com/danmuck/restpipe/internal/logging"
	"github.com/spf13/pflag"
)

func main() {
	logging.ConfigureRuntime("configgen")
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
}

func defaultPath(kind config.Role) string {
	return fmt.Sprintf("cmd/rp%s/config.toml", kind)
}

func run(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("configgen", pflag.ContinueOnError)
	kindRaw := fs.String("kind", "server", "config kind: server|client")
	output := fs.String("output", "", "output path for the template (.toml or .yaml)")
	validate := fs.Bool("validate", false, "validate an existing config file")
	input := fs.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := fs.Bool("force", false, "overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	kind, err := config.ParseRole(*kindRaw)
	if err != nil {
		return err
	}

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(kind)
		}
		if _, err := config.Load(config.Options{Path: path, Role: kind}); err != nil {
			return err
		}
		fmt.Fprintf(out, "validated %s config at %s\n", kind, path)
		return nil
	}

	target := *output
	if target == "" {
		target = defaultPath(kind)
	}
	if err := config.WriteTemplate(target, kind, *force); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s config template to %s\n", kind, target)
	return nil
}
