package cmd

import (
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/dapkit/dapkit/inspector"
	"github.com/dapkit/dapkit/pathmap"
	"github.com/dapkit/dapkit/sourcemaps"
	"github.com/dapkit/dapkit/sources"
)

func (c *rootCommand) getInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <host:port|ws-url>",
		Short: "Attach to a V8 inspector endpoint and stream its scripts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := inspector.GetConsolidatedConfig(nil, envMap(os.Environ()))
			if err != nil {
				return err
			}

			wsURL, err := inspector.Discover(ctx, args[0])
			if err != nil {
				return err
			}
			c.logger.WithField("url", wsURL).Info("Attaching...")

			fs := afero.NewOsFs()
			var rules pathmap.Rules
			if cfg.RewriteRules.Valid {
				if rules, err = pathmap.LoadRules(fs, cfg.RewriteRules.String); err != nil {
					return err
				}
			}
			container := sources.New(
				c.logger,
				newConsoleSink(c.noColor),
				pathmap.NewFileResolver(fs, rules),
				sourcemaps.NewLoader(c.logger, fs),
				sources.WithSourceMaps(cfg.SourceMaps.ValueOrZero() || !cfg.SourceMaps.Valid),
			)
			defer container.Close()

			client, err := inspector.NewClient(ctx, wsURL, container, c.logger, cfg)
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.Attach(ctx); err != nil {
				return err
			}

			select {
			case <-ctx.Done():
			case <-client.Done():
			}
			return nil
		},
	}
}

func envMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if idx := strings.IndexRune(kv, '='); idx != -1 {
			env[kv[:idx]] = kv[idx+1:]
		}
	}
	return env
}
