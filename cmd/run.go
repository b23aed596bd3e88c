package cmd

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/warshanks/murray/murray"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the Murray bot, document sync and (optionally) the admin API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		bot, err := murray.New(cfg)
		if err != nil {
			log.Fatalf("error creating murray: %s", err.Error())
		}

		if err = bot.Run(ctx); err != nil {
			log.Fatalf("error running murray: %s", err.Error())
		}
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
