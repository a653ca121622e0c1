package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/dapkit/dapkit/pathmap"
	"github.com/dapkit/dapkit/sourcemaps"
	"github.com/dapkit/dapkit/sources"
)

func (c *rootCommand) getPrettyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pretty <script>",
		Short: "Pretty-print a minified script and dump the reformatted text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			fs := afero.NewOsFs()
			resolver := pathmap.NewFileResolver(fs, nil)
			container := sources.New(c.logger, nil, resolver, sourcemaps.NewLoader(c.logger, fs))
			defer container.Close()

			src, err := addFileSource(container, resolver, fs, args[0])
			if err != nil {
				return err
			}
			if err := src.PrettyPrint(ctx); err != nil {
				return err
			}

			children, err := container.WaitForSourceMapSources(ctx, src)
			if err != nil {
				return err
			}
			if len(children) == 0 {
				return errors.New("pretty-printing produced no output")
			}
			text, err := children[0].Content(ctx)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), text)
			return nil
		},
	}
}
