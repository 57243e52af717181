// Command skbmirror mirrors knowledge-base pages to Markdown files and
// syncs edits made to those files back into the document store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/skbmirror/internal/config"
	"github.com/Mschirtzinger/skbmirror/internal/logging"
	"github.com/Mschirtzinger/skbmirror/internal/ui"
)

var (
	cfgFile string
	v       = config.New()
	cfg     config.Config
	logger  = slog.Default()

	closeLog = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "skbmirror",
	Short: "Mirror knowledge-base pages to a Markdown folder tree",
	Long: `skbmirror keeps a folder of Markdown files in step with the pages of a
knowledge base.

Pages are written as <Title>.md files; a page with children becomes a
folder holding an _index.md. Edits to the files are picked up by the
watcher and written back to the database.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		l, closeFn, err := logging.New(logging.Options{
			Level:      cfg.Log.Level,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		})
		if err != nil {
			return err
		}
		logger, closeLog = l, closeFn
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeLog()
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "files", Title: "Mirror Commands:"},
		&cobra.Group{ID: "admin", Title: "Administration:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: ./skbmirror.toml or ~/.config/skbmirror/skbmirror.toml)")
	pf.String("root", "", "mirror root directory")
	pf.String("db", "", "SQLite database file")
	pf.StringP("tenant", "t", "", "tenant id")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-file", "", "also write JSON logs to this rotating file")

	if err := config.BindFlags(v, pf, map[string]string{
		config.KeyMirrorRoot: "root",
		config.KeyDBPath:     "db",
		config.KeyTenant:     "tenant",
		config.KeyLogLevel:   "log-level",
		config.KeyLogFile:    "log-file",
	}); err != nil {
		panic(err)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		stop()
		os.Exit(1)
	}
}
