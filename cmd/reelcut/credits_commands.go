package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/reelcut/internal/credits"
	"github.com/jo-hoe/reelcut/internal/server"
)

func newCreditsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and grant credits in the local ledger",
	}
	cmd.AddCommand(newCreditsBalanceCommand(ctx))
	cmd.AddCommand(newCreditsGrantCommand(ctx))
	return cmd
}

func newCreditsBalanceCommand(ctx *commandContext) *cobra.Command {
	var userID string
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show a user's balance and recent ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return fmt.Errorf("--user is required")
			}
			return ctx.withLedger(func(ledger credits.Ledger) error {
				balance, err := ledger.Balance(cmd.Context(), userID)
				if err != nil {
					return err
				}
				history, err := ledger.History(cmd.Context(), userID, limit)
				if err != nil {
					return err
				}
				if history == nil {
					history = []credits.Entry{}
				}
				view := server.CreditsView{UserID: userID, Balance: balance, History: history}
				if wantJSON(cmd.OutOrStdout(), asJSON) {
					return writeJSON(cmd, view)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderCredits(view))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User identifier")
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of ledger entries to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newCreditsGrantCommand(ctx *commandContext) *cobra.Command {
	var userID string
	var amount int
	var reason string

	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Add credits to a user's balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return fmt.Errorf("--user is required")
			}
			if amount <= 0 {
				return fmt.Errorf("--amount must be > 0")
			}
			return ctx.withLedger(func(ledger credits.Ledger) error {
				balance, err := ledger.Grant(cmd.Context(), userID, amount, reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Granted %d credits to %s, balance %d\n", amount, userID, balance)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User identifier")
	cmd.Flags().IntVarP(&amount, "amount", "n", 0, "Credits to add")
	cmd.Flags().StringVar(&reason, "reason", "manual grant", "Audit reason")
	return cmd
}

func (c *commandContext) withLedger(fn func(credits.Ledger) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	ledger, err := credits.NewSQLiteLedger(cfg.Server.DatabasePath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = ledger.Close() }()
	return fn(ledger)
}

func renderCredits(v server.CreditsView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User:     %s\nBalance:  %d\n", v.UserID, v.Balance)
	if len(v.History) == 0 {
		return strings.TrimRight(b.String(), "\n")
	}
	rows := make([][]string, 0, len(v.History))
	for _, e := range v.History {
		rows = append(rows, []string{
			e.CreatedAt.Local().Format(time.DateTime),
			strconv.Itoa(e.Delta),
			strconv.Itoa(e.BalanceAfter),
			e.Reason,
		})
	}
	b.WriteString(renderTable(
		[]string{"When", "Delta", "Balance", "Reason"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft},
	))
	return b.String()
}
