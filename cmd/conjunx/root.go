package main

import (
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/snarg/conjunx/internal/config"
	"github.com/spf13/cobra"
)

// commandContext carries the persistent flags shared by all subcommands.
type commandContext struct {
	overrides config.Overrides

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = config.Load(c.overrides)
	})
	return c.config, c.configErr
}

// logger builds the root logger: human-readable on a terminal, JSON otherwise.
func (c *commandContext) logger(w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg, err := c.ensureConfig(); err == nil {
		if l, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			level = l
		}
	}
	return newLogger(w, level)
}

func newLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	if isTerminal(w) {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(level)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "conjunx",
		Short:         "Stitch spoken phrases from transcribed videos into new videos",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&ctx.overrides.EnvFile, "env-file", "", "Path to .env file (default .env)")
	flags.StringVar(&ctx.overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newRenderCommand(ctx))
	rootCmd.AddCommand(newMatchCommand(ctx))
	rootCmd.AddCommand(newPackCommand())

	return rootCmd
}
