package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ineyio/relaycore"
	"github.com/ineyio/relaycore/accounts"
	"github.com/ineyio/relaycore/credential"
	"github.com/ineyio/relaycore/ratelimit"
)

func newAccountsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage the upstream account pool",
	}

	// withApp runs fn against the configured store. Output is logged to
	// stderr so command output stays clean.
	withApp := func(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
		cfg, err := opts.loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()
		return fn(cmd.Context(), a)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Create accounts from a JSON array of account records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return withApp(cmd, func(ctx context.Context, a *app) error {
				created, skipped, err := importAccounts(ctx, a.repo, a.cipher, f)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d accounts, %d already present\n", created, skipped)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List accounts with their scheduling state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return listAccounts(ctx, a.repo, a.tracker, cmd.OutOrStdout(), time.Now())
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set-status <id> <status> [message]",
		Short: "Change an account's activation status",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := relaycore.Status(args[1])
			if !status.Valid() {
				return fmt.Errorf("unknown status %q", args[1])
			}
			message := ""
			if len(args) == 3 {
				message = args[2]
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				_, err := a.repo.SetStatus(ctx, args[0], status, message)
				return err
			})
		},
	})

	return cmd
}

// importRecord is an account as written by operators. Secrets are given
// in plaintext and sealed on import; schedulable defaults to true.
type importRecord struct {
	relaycore.Account
	Schedulable *bool `json:"schedulable"`
}

func importAccounts(ctx context.Context, repo *accounts.Repository, cipher credential.Cipher, r io.Reader) (created, skipped int, err error) {
	var records []importRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return 0, 0, fmt.Errorf("decode accounts: %w", err)
	}

	for i, rec := range records {
		a := rec.Account
		a.Schedulable = rec.Schedulable == nil || *rec.Schedulable
		if a.Status == "" {
			a.Status = relaycore.StatusActive
		}
		for _, field := range []*string{&a.Credential, &a.AccessToken, &a.RefreshToken} {
			if *field, err = cipher.Encrypt(*field); err != nil {
				return created, skipped, fmt.Errorf("accounts[%d] (%s): %w", i, a.ID, err)
			}
		}

		err := repo.Create(ctx, a)
		switch {
		case errors.Is(err, accounts.ErrExists):
			skipped++
		case err != nil:
			return created, skipped, fmt.Errorf("accounts[%d] (%s): %w", i, a.ID, err)
		default:
			created++
		}
	}
	return created, skipped, nil
}

func listAccounts(ctx context.Context, repo *accounts.Repository, tracker *ratelimit.Tracker, out io.Writer, now time.Time) error {
	all, invalid, err := repo.List(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tPLATFORM\tSTATUS\tPOOL\tPRIORITY\tLIMITED UNTIL\tWINDOW LEFT\tWINDOW TOKENS")
	for _, a := range all {
		pool := "shared"
		if !a.Schedulable {
			pool = "dedicated"
		}
		limited := "-"
		if a.RateLimit.Active(now) {
			limited = a.RateLimit.EndsAt.UTC().Format(time.RFC3339)
			if !a.RateLimit.Exact {
				limited += " (est)"
			}
		}
		window, tokens := "-", "-"
		if a.Window.Open(now) {
			window = a.Window.Remaining(now).Round(time.Minute).String()
			if n, err := tracker.WindowUsage(ctx, a); err == nil {
				tokens = fmt.Sprint(n)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			a.ID, a.Platform, statusLabel(a), pool, a.Priority, limited, window, tokens)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	for _, err := range invalid {
		fmt.Fprintln(out, "invalid:", err)
	}
	return nil
}

func statusLabel(a relaycore.Account) string {
	if a.StatusMessage == "" {
		return string(a.Status)
	}
	return string(a.Status) + " (" + strings.TrimSpace(a.StatusMessage) + ")"
}
