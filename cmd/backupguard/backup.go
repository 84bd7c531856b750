package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	backupKind   string
	backupSource string
	backupJSON   bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Run one backup immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backupKind == "" || backupSource == "" {
			return fmt.Errorf("--kind and --source are required")
		}

		eng, _, _, _, err := buildEngine()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		result, err := eng.ExecuteBackup(ctx, backupKind, backupSource, nil)
		if err != nil {
			return err
		}
		eng.CleanupAfterExecution(ctx, backupKind, backupSource, result)

		if backupJSON {
			return json.NewEncoder(os.Stdout).Encode(result)
		}
		for _, pr := range result.Providers {
			if pr.Success {
				fmt.Printf("%s: ok %s (%d bytes)\n", pr.Provider, pr.Path, pr.SizeBytes)
			} else {
				fmt.Printf("%s: failed: %s\n", pr.Provider, pr.Error)
			}
		}
		return nil
	},
}

func init() {
	backupCmd.Flags().StringVar(&backupKind, "kind", "", "target kind (database, file, directory, csv, image, clientfile, clientdirectory)")
	backupCmd.Flags().StringVar(&backupSource, "source", "", "target source")
	backupCmd.Flags().BoolVar(&backupJSON, "json", false, "emit the result as JSON")
}
