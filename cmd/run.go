package cmd

import (
	"log"

	"github.com/akitig/wankoro-bot/rolecheck"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Wankoro bot and operator API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			wk, err := rolecheck.New(cfg)
			if err != nil {
				log.Fatalf("error creating wankoro: %s", err.Error())
			}

			if err = wk.Run(ctx); err != nil {
				log.Fatalf("error running wankoro: %s", err.Error())
			}
		},
	}
)

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
