package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	phrasegrounder "github.com/menta2k/phrase-grounder"
	"github.com/menta2k/phrase-grounder/internal/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:     "phrase-grounder",
	Short:   "Caption images and ground the caption's phrases as bounding boxes",
	Version: phrasegrounder.Version,
	// Silence cobra's own usage dump on runtime errors
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "JSON config file (default: "+config.GetConfigPath()+" if present)")
	rootCmd.AddCommand(serveCmd, detectCmd, workerCmd)
}

// loadConfig resolves the config file and installs the process logger
func loadConfig() (*config.Config, error) {
	path := configFile
	if path == "" {
		if _, err := os.Stat(config.GetConfigPath()); err == nil {
			path = config.GetConfigPath()
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(cfg.Log.NewLogger(os.Stderr))
	if path != "" {
		slog.Debug("loaded config file", "path", path)
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
