package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:          "repowatch",
	Short:        "Recurring static analysis of locally checked out repositories",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Variables already set in the environment win over the file.
		if err := godotenv.Load(envFile); err != nil {
			if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("env-file") {
				return nil
			}
			return fmt.Errorf("load %s: %w", envFile, err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(migrateCmd)

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "File with REPOWATCH_* variables to load before reading the environment")
}
