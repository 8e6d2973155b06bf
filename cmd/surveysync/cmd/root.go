package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"surveysync/internal/portal"
	"surveysync/lib/configutil"
	"surveysync/lib/telemetry"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

type downloadConfig struct {
	Directory string `json:"directory"`
	Prefix    string `json:"prefix"`
}

type uploadConfig struct {
	Directory string `json:"directory"`
}

type photosConfig struct {
	Directory  string `json:"directory"`
	FolderName string `json:"folder_name"`
}

type config struct {
	Portal   portal.Config  `json:"portal"`
	Download downloadConfig `json:"download"`
	Upload   uploadConfig   `json:"upload"`
	Photos   photosConfig   `json:"photos"`
}

var rootCmd = &cobra.Command{
	Use:   "surveysync",
	Short: "surveysync moves survey form data and photos between a GIS portal and the local filesystem.",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(
		&configPath, "config", "c", "config.json5",
		"path to the configuration file",
	)
	rootCmd.PersistentFlags().BoolVarP(
		&verbose, "verbose", "v", false,
		"enable debug logging",
	)
}

func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func fatal(message string, err error) {
	slog.Error(message, "err", err.Error())
	os.Exit(1)
}

// setup loads configuration, telemetry and an authenticated portal session.
// Every subcommand is a one-shot batch job, so a fresh session per
// invocation is the intended behavior.
func setup(ctx context.Context) (config, *portal.Session, telemetry.API, func()) {
	telemetry.InitSlog(verbose)

	cfg, err := configutil.ReadConfig[config](configPath)
	if err != nil {
		fatal(fmt.Sprintf("failed to read config %q", configPath), err)
	}

	t, err := telemetry.SetupFromEnv(ctx, "surveysync")
	if err != nil {
		fatal("failed to setup telemetry", err)
	}

	tel := telemetry.SlogAPI{}
	session, err := portal.Connect(ctx, cfg.Portal, tel)
	if err != nil {
		fatal("failed to connect to portal", err)
	}

	return cfg, session, tel, func() {
		if err := t.Shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}
}
