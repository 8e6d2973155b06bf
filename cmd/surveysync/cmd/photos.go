package cmd

import (
	"log/slog"

	"surveysync/internal/photos"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(photosCmd)
}

var photosCmd = &cobra.Command{
	Use:   "photos <form-id>",
	Short: "Incrementally download new photo attachments for a form.",
	Long: "Downloads attachments for every record newer than the sync log's " +
		"cursor. Without a sync log every attachment is downloaded and the " +
		"log is created.",
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		cfg, session, tel, shutdown := setup(ctx)
		defer shutdown()

		sy := photos.NewSyncer(session, tel, cfg.Photos.Directory, cfg.Photos.FolderName)
		rep, err := sy.Sync(ctx, args[0])
		if err != nil {
			fatal("photo sync failed", err)
		}
		slog.Info(
			"photo sync complete",
			"records", rep.Records,
			"downloaded", rep.Downloaded,
			"conflicts", rep.Conflicts,
		)
	},
}
