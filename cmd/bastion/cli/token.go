package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/bastion/internal/token"
	"github.com/kiranshivaraju/bastion/pkg/models"
	"github.com/spf13/cobra"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "token",
		Aliases: []string{"tokens"},
		Short:   "Manage API tokens",
		Long:    "Generate, list, rotate and revoke the API tokens that authenticate against the Bastion API.",
	}

	cmd.AddCommand(newTokenGenerateCmd(opts))
	cmd.AddCommand(newTokenListCmd(opts))
	cmd.AddCommand(newTokenRevokeCmd(opts))
	cmd.AddCommand(newTokenRotateCmd(opts))

	return cmd
}

// ---------- token generate ----------

func newTokenGenerateCmd(opts *rootOptions) *cobra.Command {
	var (
		environment string
		tokenType   string
		scopes      []string
		expiresIn   int
	)

	cmd := &cobra.Command{
		Use:   "generate <owner> <name>",
		Short: "Generate a new API token",
		Long:  "Issue a token for an owner. The plaintext token is shown once and cannot be retrieved again.",
		Example: `  bastion token generate user-42 "CI pipeline" --scopes tokens:read,users:read
  bastion token generate user-42 deploy --environment live --expires-in 90`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := models.ParseEnvironment(environment)
			if err != nil {
				return err
			}
			typ, err := models.ParseTokenType(tokenType)
			if err != nil {
				return err
			}
			if expiresIn < 0 {
				return fmt.Errorf("--expires-in must not be negative, got %d", expiresIn)
			}

			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp(a)

			params := token.IssueParams{
				Owner:       token.OwnerID(args[0]),
				Name:        args[1],
				Environment: env,
				Type:        typ,
				Scopes:      scopes,
			}
			if expiresIn > 0 {
				at := time.Now().AddDate(0, 0, expiresIn)
				params.ExpiresAt = &at
			}

			rec, plain, err := a.Tokens.Issue(cmd.Context(), params)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "API token created:")
			fmt.Fprintln(out)
			fmt.Fprintf(out, "  Token:       %s\n", plain)
			fmt.Fprintf(out, "  ID:          %d\n", rec.ID)
			fmt.Fprintf(out, "  Owner:       %s\n", rec.OwnerID)
			fmt.Fprintf(out, "  Environment: %s\n", rec.Environment.Label())
			fmt.Fprintf(out, "  Type:        %s\n", rec.Type.Label())
			fmt.Fprintf(out, "  Scopes:      %s\n", formatScopes(rec.Scopes))
			fmt.Fprintf(out, "  Expires:     %s\n", formatTime(rec.ExpiresAt))
			fmt.Fprintln(out)
			fmt.Fprintln(out, "  Save this token now - it cannot be retrieved again.")
			return nil
		},
	}

	cmd.Flags().StringVar(&environment, "environment", string(models.EnvironmentTest), "Token environment (test, live)")
	cmd.Flags().StringVar(&tokenType, "type", string(models.TokenTypeSecret), "Token type (public, secret, restricted)")
	cmd.Flags().StringSliceVar(&scopes, "scopes", nil, "Comma-separated scopes; empty grants none")
	cmd.Flags().IntVar(&expiresIn, "expires-in", 0, "Days until expiry (0 uses TOKEN_EXPIRATION_DAYS)")

	return cmd
}

// ---------- token list ----------

func newTokenListCmd(opts *rootOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list <owner>",
		Aliases: []string{"ls"},
		Short:   "List an owner's active tokens",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp(a)

			recs, err := a.Tokens.ListForOwner(cmd.Context(), token.OwnerID(args[0]))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}

			if len(recs) == 0 {
				fmt.Fprintf(out, "No active tokens for %s. Use 'bastion token generate' to create one.\n", args[0])
				return nil
			}

			fmt.Fprintf(out, "%-6s %-10s %-20s %-5s %-11s %-28s %-17s %-17s\n",
				"ID", "PREFIX", "NAME", "ENV", "TYPE", "SCOPES", "LAST USED", "EXPIRES")
			for _, r := range recs {
				fmt.Fprintf(out, "%-6d %-10s %-20s %-5s %-11s %-28s %-17s %-17s\n",
					r.ID, r.TokenPrefix, r.Name, r.Environment, r.Type,
					formatScopes(r.Scopes), formatTime(r.LastUsedAt), formatTime(r.ExpiresAt))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// ---------- token revoke ----------

func newTokenRevokeCmd(opts *rootOptions) *cobra.Command {
	var (
		reason   string
		allOwner bool
	)

	cmd := &cobra.Command{
		Use:   "revoke <id|prefix>",
		Short: "Revoke a token",
		Long:  "Revoke a token by numeric id or by its 8-character prefix. With --all-owner every active token of the same owner is revoked.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp(a)

			rec, err := lookupToken(cmd, a.Tokens, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if allOwner {
				n, err := a.Tokens.RevokeAllForOwner(cmd.Context(), token.OwnerID(rec.OwnerID), reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Revoked %d token(s) of %s\n", n, rec.OwnerID)
				return nil
			}

			if rec.IsRevoked() {
				fmt.Fprintf(out, "Token %s is already revoked\n", rec.TokenPrefix)
				return nil
			}
			if err := a.Tokens.Revoke(cmd.Context(), rec, reason); err != nil {
				return err
			}
			fmt.Fprintf(out, "Revoked token %s (%s)\n", rec.TokenPrefix, rec.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", token.ReasonManual, "Reason recorded with the revocation")
	cmd.Flags().BoolVar(&allOwner, "all-owner", false, "Revoke every active token of the token's owner")

	return cmd
}

// ---------- token rotate ----------

func newTokenRotateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <id|prefix>",
		Short: "Replace a token and revoke the old one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp(a)

			old, err := lookupToken(cmd, a.Tokens, args[0])
			if err != nil {
				return err
			}

			repl, plain, err := a.Tokens.Rotate(cmd.Context(), old)
			if repl == nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Rotated token %s:\n\n", old.TokenPrefix)
			fmt.Fprintf(out, "  Token: %s\n", plain)
			fmt.Fprintf(out, "  ID:    %d\n\n", repl.ID)
			fmt.Fprintln(out, "  Save this token now - it cannot be retrieved again.")
			if err != nil {
				return fmt.Errorf("previous token %s is still active: %w", old.TokenPrefix, err)
			}
			return nil
		},
	}
}

func lookupToken(cmd *cobra.Command, tokens *token.Manager, ref string) (*models.TokenRecord, error) {
	rec, err := tokens.Lookup(cmd.Context(), ref)
	if errors.Is(err, token.ErrNotFound) {
		return nil, fmt.Errorf("no token found with id or prefix %q", ref)
	}
	return rec, err
}
