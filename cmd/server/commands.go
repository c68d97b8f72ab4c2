package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"inbox-responder/internal/config"
	"inbox-responder/internal/db"
	"inbox-responder/internal/outbound"
)

func sendCmd() *cobra.Command {
	var account, to, subject, message string

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message from a configured account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			acct, err := lookupAccount(cfg, account)
			if err != nil {
				return err
			}

			if message == "-" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read message from stdin: %w", err)
				}
				message = string(b)
			}

			database, err := db.New(cfg.StatePath)
			if err != nil {
				return err
			}
			defer database.Close()

			res, err := outbound.New(database, logger).Send(cmd.Context(), acct, to, subject, message)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %s\n", res.MessageID)
			return nil
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "account id (default: the default account)")
	cmd.Flags().StringVar(&to, "to", "", "recipient address")
	cmd.Flags().StringVar(&subject, "subject", "", "subject line")
	cmd.Flags().StringVarP(&message, "message", "m", "", "message text, or - to read stdin")
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagRequired("message")
	return cmd
}

type accountReport struct {
	config.Account `yaml:",inline"`
	Issues         []string     `yaml:"issues,omitempty"`
	State          *db.Snapshot `yaml:"state,omitempty"`
}

func accountsCmd() *cobra.Command {
	var withState bool

	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Print the resolved accounts as YAML, secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			var database *db.DB
			if withState {
				if database, err = db.New(cfg.StatePath); err != nil {
					return err
				}
				defer database.Close()
			}

			reports := make([]accountReport, 0)
			for _, id := range cfg.ListAccountIDs() {
				acct := cfg.ResolveAccount(id)
				r := accountReport{Account: acct.Redacted(), Issues: acct.Issues()}
				if database != nil {
					snap, err := database.AccountState(id).Snapshot(cmd.Context())
					if err != nil {
						return err
					}
					r.State = &snap
				}
				reports = append(reports, r)
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(map[string]any{
				"default_account": cfg.DefaultAccount(),
				"accounts":        reports,
			})
		},
	}

	cmd.Flags().BoolVar(&withState, "state", true, "include stored dedup and rate-limit state")
	return cmd
}

func pairingCmd() *cobra.Command {
	var account string

	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage senders waiting for approval",
	}
	cmd.PersistentFlags().StringVar(&account, "account", "", "account id (default: the default account)")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending and approved senders",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			acct, err := lookupAccount(cfg, account)
			if err != nil {
				return err
			}
			database, err := db.New(cfg.StatePath)
			if err != nil {
				return err
			}
			defer database.Close()

			pending, err := database.GetPairingRequests(cmd.Context(), acct.ID)
			if err != nil {
				return err
			}
			approved, err := database.GetApprovedSenders(cmd.Context(), acct.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Account %s (dm_policy: %s)\n", acct.ID, acct.DMPolicy)
			fmt.Fprintf(out, "\nPending (%d):\n", len(pending))
			for _, p := range pending {
				fmt.Fprintf(out, "  %s  %s  %q\n", p.CreatedAt.Local().Format("2006-01-02 15:04"), p.Sender, p.Subject)
			}
			fmt.Fprintf(out, "\nApproved (%d):\n", len(approved))
			for _, a := range approved {
				fmt.Fprintf(out, "  %s  %s\n", a.CreatedAt.Local().Format("2006-01-02 15:04"), a.Sender)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "approve <sender>",
		Short: "Approve a sender and email them a confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			acct, err := lookupAccount(cfg, account)
			if err != nil {
				return err
			}
			database, err := db.New(cfg.StatePath)
			if err != nil {
				return err
			}
			defer database.Close()

			res, err := outbound.New(database, logger).ApprovePairing(cmd.Context(), acct, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Approved %s for %s\n", config.NormalizeAddress(args[0]), acct.ID)
			if !res.OK {
				fmt.Fprintf(out, "Confirmation email not sent: %s\n", res.Error)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <sender>",
		Short: "Remove a previously approved sender",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			acct, err := lookupAccount(cfg, account)
			if err != nil {
				return err
			}
			database, err := db.New(cfg.StatePath)
			if err != nil {
				return err
			}
			defer database.Close()

			sender := config.NormalizeAddress(args[0])
			if err := database.RemoveApprovedSender(cmd.Context(), acct.ID, sender); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s for %s\n", sender, acct.ID)
			return nil
		},
	})

	return cmd
}

// lookupAccount resolves id, or the default account when id is empty, and
// fails for ids missing from the config.
func lookupAccount(cfg *config.Config, id string) (config.Account, error) {
	if strings.TrimSpace(id) == "" {
		id = cfg.DefaultAccount()
	}
	id = config.NormalizeAccountID(id)
	for _, known := range cfg.ListAccountIDs() {
		if known == id {
			return cfg.ResolveAccount(id), nil
		}
	}
	return config.Account{}, fmt.Errorf("unknown account %q (configured: %s)", id, strings.Join(cfg.ListAccountIDs(), ", "))
}
