package cmd

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/warshanks/murray/murray"
)

var syncCmd = &cobra.Command{
	Use:   "sync [flags]",
	Short: "Runs a single document sync cycle and exits",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		bot, err := murray.New(cfg)
		if err != nil {
			log.Fatalf("error creating murray: %s", err.Error())
		}

		if err = bot.RunSync(ctx); err != nil {
			log.Fatalf("error running sync: %s", err.Error())
		}
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(syncCmd)
}
