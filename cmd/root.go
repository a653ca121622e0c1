// Package cmd implements the dapkit command line interface.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// This is to keep all fields needed for the main/root dapkit command.
type rootCommand struct {
	ctx    context.Context
	logger *logrus.Logger
	cmd    *cobra.Command

	verbose bool
	logFmt  string
	noColor bool
}

func newRootCommand(ctx context.Context) *rootCommand {
	c := &rootCommand{
		ctx:    ctx,
		logger: logrus.New(),
	}
	// the base command when called without any subcommands.
	c.cmd = &cobra.Command{
		Use:               "dapkit",
		Short:             "source-map aware script tracking and location resolution",
		Long:              "\ndapkit tracks the scripts of a running program, loads their source maps\nand translates positions between compiled, original and pretty-printed code.",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
	}
	c.cmd.PersistentFlags().AddFlagSet(c.rootCmdPersistentFlagSet())

	c.cmd.AddCommand(c.getResolveCmd())
	c.cmd.AddCommand(c.getInspectCmd())
	c.cmd.AddCommand(c.getPrettyCmd())
	return c
}

func (c *rootCommand) persistentPreRunE(*cobra.Command, []string) error {
	c.logger.SetOutput(os.Stderr)
	if c.verbose {
		c.logger.SetLevel(logrus.DebugLevel)
	}
	switch c.logFmt {
	case "json":
		c.logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		c.logger.SetFormatter(&logrus.TextFormatter{
			ForceColors:   !c.noColor && stderrTTY,
			DisableColors: c.noColor,
		})
	}
	return nil
}

func (c *rootCommand) rootCmdPersistentFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "enable verbose logging")
	flags.StringVar(&c.logFmt, "log-format", "", `log output format ("text" or "json")`)
	flags.BoolVar(&c.noColor, "no-color", false, "disable colored output")
	return flags
}

// Execute runs the root command. It is called by main.main().
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c := newRootCommand(ctx)
	if err := c.cmd.ExecuteContext(ctx); err != nil {
		c.logger.Error(err.Error())
		os.Exit(1)
	}
}
