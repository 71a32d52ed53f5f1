package cli

import (
	"fmt"
	"time"

	"github.com/kiranshivaraju/bastion/internal/audit"
	"github.com/spf13/cobra"
)

func newPruneCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Revoke stale tokens and delete old audit entries",
	}

	cmd.AddCommand(newPruneTokensCmd(opts))
	cmd.AddCommand(newPruneLogsCmd(opts))

	return cmd
}

func newPruneTokensCmd(opts *rootOptions) *cobra.Command {
	var (
		expired bool
		days    int
	)

	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Revoke expired or unused tokens",
		Long:  "Revoke tokens past their expiry (--expired) or not used for N days (--days). Tokens never used count from their creation.",
		Example: `  bastion prune tokens --expired
  bastion prune tokens --days 180`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !expired && days <= 0 {
				return fmt.Errorf("--days must be positive, got %d", days)
			}

			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp(a)

			now := time.Now()
			var n int
			if expired {
				n, err = a.Tokens.PruneExpired(cmd.Context(), now)
			} else {
				n, err = a.Tokens.PruneUnused(cmd.Context(), now.AddDate(0, 0, -days))
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d token(s)\n", n)
			return nil
		},
	}

	cmd.Flags().BoolVar(&expired, "expired", false, "Revoke tokens whose expiry has passed")
	cmd.Flags().IntVar(&days, "days", 0, "Revoke tokens unused for this many days")
	cmd.MarkFlagsOneRequired("expired", "days")
	cmd.MarkFlagsMutuallyExclusive("expired", "days")

	return cmd
}

func newPruneLogsCmd(opts *rootOptions) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Delete audit entries older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 0 {
				return fmt.Errorf("--days must not be negative, got %d", days)
			}

			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp(a)

			if days == 0 {
				days = a.Config.Audit.RetentionDays
			}
			cutoff := audit.RetentionCutoff(time.Now(), days)
			n, err := a.Audit.PruneBefore(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d audit log entries older than %d days\n", n, days)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "Retention in days (0 uses AUDIT_LOG_RETENTION_DAYS)")

	return cmd
}
