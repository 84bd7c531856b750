package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	restoreKind   string
	restoreSource string
	restorePath   string
	restoreVerify bool
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a target from a stored backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		if restoreKind == "" || restoreSource == "" || restorePath == "" {
			return fmt.Errorf("--kind, --source and --path are required")
		}

		eng, _, _, _, err := buildEngine()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		result, err := eng.Restore(ctx, restoreKind, restoreSource, restorePath, restoreVerify)
		if err != nil {
			return err
		}
		fmt.Printf("restored from %s (%s)\n", result.Provider, restorePath)
		return nil
	},
}

func init() {
	restoreCmd.Flags().StringVar(&restoreKind, "kind", "", "target kind")
	restoreCmd.Flags().StringVar(&restoreSource, "source", "", "target source")
	restoreCmd.Flags().StringVar(&restorePath, "path", "", "remote backup path, e.g. database/20250101-030000/app.sql.gz")
	restoreCmd.Flags().BoolVar(&restoreVerify, "verify", true, "verify size, hash and format before restoring")
}
