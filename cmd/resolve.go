package cmd

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/dapkit/dapkit/pathmap"
	"github.com/dapkit/dapkit/sourcemaps"
	"github.com/dapkit/dapkit/sources"
)

func (c *rootCommand) getResolveCmd() *cobra.Command {
	var rulesPath string

	cmd := &cobra.Command{
		Use:   "resolve <script> <line>:<column>",
		Short: "Resolve a position in a script to its equivalents in every other representation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			line, col, err := parsePosition(args[1])
			if err != nil {
				return err
			}

			fs := afero.NewOsFs()
			var rules pathmap.Rules
			if rulesPath != "" {
				if rules, err = pathmap.LoadRules(fs, rulesPath); err != nil {
					return err
				}
			}
			resolver := pathmap.NewFileResolver(fs, rules)
			container := sources.New(c.logger, nil, resolver, sourcemaps.NewLoader(c.logger, fs))
			defer container.Close()

			src, err := addFileSource(container, resolver, fs, args[0])
			if err != nil {
				return err
			}
			if _, err := container.WaitForSourceMapSources(cmd.Context(), src); err != nil {
				return err
			}

			locs := container.SiblingLocations(sources.Location{
				Line: line, Column: col, URL: src.URL(), Source: src,
			}, nil)
			for _, loc := range locs {
				name := loc.URL
				if loc.Source != nil {
					name = loc.Source.Name()
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s:%d:%d\n", name, loc.Line, loc.Column)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rulesPath, "rules", "", "yaml file with source URL rewrite rules")
	return cmd
}

// addFileSource registers a local script with the container, picking up its
// sourceMappingURL comment if it has one.
func addFileSource(
	container *sources.Container, resolver pathmap.Resolver, fs afero.Fs, path string,
) (*sources.Source, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(fs, abs)
	if err != nil {
		return nil, err
	}
	code := string(data)

	fileURL, ok := resolver.AbsolutePathToURL(abs)
	if !ok {
		fileURL = abs
	}
	opts := []sources.SourceOption{}
	if mapURL := sourcemaps.ExtractSourceMapURL(code); mapURL != "" {
		opts = append(opts, sources.WithSourceMapURL(resolveAgainst(fileURL, mapURL)))
	}
	return container.AddSource(fileURL, sources.StringContent(code), opts...), nil
}

func parsePosition(arg string) (line, col int, err error) {
	parts := strings.SplitN(arg, ":", 2)
	if line, err = strconv.Atoi(parts[0]); err != nil || line < 1 {
		return 0, 0, fmt.Errorf("%q is not a valid position, want <line>:<column>", arg)
	}
	col = 1
	if len(parts) == 2 {
		if col, err = strconv.Atoi(parts[1]); err != nil || col < 1 {
			return 0, 0, fmt.Errorf("%q is not a valid position, want <line>:<column>", arg)
		}
	}
	return line, col, nil
}

func resolveAgainst(baseURL, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil || refURL.IsAbs() {
		return ref
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return ref
	}
	return base.ResolveReference(refURL).String()
}
