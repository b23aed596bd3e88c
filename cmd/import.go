package cmd

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/warshanks/murray/murray"
)

var importCmd = &cobra.Command{
	Use:   "import <url-file>",
	Short: "Imports documents from a file of URLs, one per line",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		bot, err := murray.New(cfg)
		if err != nil {
			log.Fatalf("error creating murray: %s", err.Error())
		}

		if err = bot.RunImport(ctx, args[0]); err != nil {
			log.Fatalf("error importing documents: %s", err.Error())
		}
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(importCmd)
}
