package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-mood/config"
	"github.com/dhcgn/mbox-mood/engine"
	"github.com/dhcgn/mbox-mood/engine/lexicon"
	"github.com/dhcgn/mbox-mood/rewrite"
	"github.com/dhcgn/mbox-mood/server"
)

var (
	serveAddr    string
	serveLexicon string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the tone API used by the remote engine",
	Args:  usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		logLevel, logDir, err := logFlags(cmd)
		if err != nil {
			return err
		}
		logger, cleanup, err := setupLogger(logLevel, logDir)
		if err != nil {
			return fmt.Errorf("%w: %w", config.ErrInvalid, err)
		}
		defer func() {
			_ = cleanup()
		}()
		slog.SetDefault(logger)

		lex := lexicon.Default()
		if serveLexicon != "" {
			if lex, err = lexicon.Load(serveLexicon); err != nil {
				return fmt.Errorf("%w: %w", config.ErrInvalid, err)
			}
		}
		analyzer, err := lexicon.New(engine.Options{Sensitivity: engine.DefaultSensitivity}, lex)
		if err != nil {
			return fmt.Errorf("%w: %w", config.ErrInvalid, err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return server.New(analyzer, rewrite.New(analyzer), logger).Run(ctx, serveAddr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8787", "Listen address")
	serveCmd.Flags().StringVar(&serveLexicon, "lexicon", "", "YAML file extending or replacing the built-in lexicon")
	rootCmd.AddCommand(serveCmd)
}
