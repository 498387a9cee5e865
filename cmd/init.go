package cmd

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/akitig/wankoro-bot/rolecheck"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Seed editable question and intro files from the built-in defaults",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()

		if err := seedJSON(
			cfg.RoleCheck.QuestionsPath,
			rolecheck.DefaultQuestionSet(),
		); err != nil {
			log.Fatalf("error writing question catalogue: %v", err)
		}
		fmt.Fprintf(out, "wrote %s\n", cfg.RoleCheck.QuestionsPath)

		if err := seedJSON(
			cfg.RoleCheck.IntroPath,
			rolecheck.DefaultIntro(),
		); err != nil {
			log.Fatalf("error writing intro content: %v", err)
		}
		fmt.Fprintf(out, "wrote %s\n", cfg.RoleCheck.IntroPath)
	},
}

// seedJSON writes v to path, refusing to overwrite an existing file.
func seedJSON(path string, v any) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
