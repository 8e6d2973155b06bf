package cmd

import (
	"log/slog"

	"surveysync/internal/forms"

	"github.com/spf13/cobra"
)

var uploadType string

func init() {
	uploadCmd.Flags().StringVar(&uploadType, "type", "CSV", "portal item type to match")
	rootCmd.AddCommand(uploadCmd)
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file-name>",
	Short: "Overwrite an existing portal item with a local CSV file of the same name.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		cfg, session, tel, shutdown := setup(ctx)
		defer shutdown()

		u := forms.NewUploader(session, tel, cfg.Upload.Directory)
		if err := u.Upload(ctx, args[0], uploadType); err != nil {
			fatal("upload failed", err)
		}
		slog.Info("uploaded", "file", args[0])
	},
}
