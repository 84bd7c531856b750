package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/denkoushi/backupguard/pkg/config"
	"github.com/denkoushi/backupguard/pkg/pinning"
)

var (
	retentionKind   string
	retentionSource string

	purgeProvider string
	purgeAnchor   string
	purgeDays     int
)

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Apply retention policies now",
	Long: `Run a retention sweep immediately. With --kind and --source only
that target is swept; otherwise every enabled target is.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, _, _, err := buildEngine()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		if retentionKind != "" && retentionSource != "" {
			deleted, err := eng.RunRetention(ctx, retentionKind, retentionSource, nil)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d backups\n", deleted)
			return nil
		}
		return eng.RunRetentionAll(ctx)
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Purge old backups across kinds, anchored on recent database backups",
	Long: `Remove aged backups of every kind from one provider. The purge only
acts when at least one object under --anchor exists, so a provider that
never received a database backup is left untouched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, _, _, err := buildEngine()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		policy := config.RetentionPolicy{Days: purgeDays}
		plan, deleted, err := eng.SelectivePurge(ctx, purgeProvider, purgeAnchor, policy)
		if err != nil {
			return err
		}
		if plan.Reason != "" {
			fmt.Printf("purge aborted: %s\n", plan.Reason)
			return nil
		}
		fmt.Printf("deleted %d backups, kept %d\n", deleted, len(plan.Keep))
		return nil
	},
}

func init() {
	retentionCmd.Flags().StringVar(&retentionKind, "kind", "", "target kind")
	retentionCmd.Flags().StringVar(&retentionSource, "source", "", "target source")

	purgeCmd.Flags().StringVar(&purgeProvider, "provider", "local", "storage provider to purge")
	purgeCmd.Flags().StringVar(&purgeAnchor, "anchor", "database/", "object prefix that must exist for the purge to run")
	purgeCmd.Flags().IntVar(&purgeDays, "days", 30, "remove objects older than this many days")
	retentionCmd.AddCommand(purgeCmd)
}

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint <host>",
	Short: "Print the current certificate fingerprint of a pinned API host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		fp, err := pinning.FetchFingerprint(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(fp)
		return nil
	},
}
