package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"inbox-responder/internal/config"
	"inbox-responder/internal/db"
	"inbox-responder/internal/filter"
	"inbox-responder/internal/imap"
)

func main() {
	var (
		cfgFile string
		account string
		count   int
	)

	rootCmd := &cobra.Command{
		Use:           "diagnose",
		Short:         "Check IMAP access and show how recent mail would be filtered",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}

			ids := cfg.ListAccountIDs()
			if account != "" {
				ids = []string{config.NormalizeAccountID(account)}
			}
			if len(ids) == 0 {
				return fmt.Errorf("no email accounts configured in %s", cfg.Path)
			}

			// Approvals are read from the state store when it exists.
			var database *db.DB
			if _, err := os.Stat(cfg.StatePath); err == nil {
				if database, err = db.New(cfg.StatePath); err != nil {
					return err
				}
				defer database.Close()
			}

			fmt.Println("=== inbox-responder diagnostics ===")
			for _, id := range ids {
				diagnose(cmd.Context(), cfg.ResolveAccount(id), database, count)
			}
			return nil
		},
	}

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default: ~/.config/inbox-responder/config.yaml)")
	rootCmd.Flags().StringVar(&account, "account", "", "only check this account")
	rootCmd.Flags().IntVarP(&count, "count", "n", 10, "number of recent messages to show")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func diagnose(ctx context.Context, acct config.Account, database *db.DB, count int) {
	fmt.Println()
	fmt.Println(strings.Repeat("-", 60))
	fmt.Printf("Account %s <%s>\n", acct.ID, acct.Email)
	fmt.Printf("  IMAP %s:%d tls=%v  SMTP %s:%d tls=%v starttls=%v\n",
		acct.IMAP.Host, acct.IMAP.Port, acct.IMAP.TLS,
		acct.SMTP.Host, acct.SMTP.Port, acct.SMTP.TLS, acct.SMTP.StartTLS)
	fmt.Printf("  folder=%s filter_mode=%s dm_policy=%s max_replies/h=%d\n",
		acct.Folder, acct.FilterMode, acct.DMPolicy, acct.MaxRepliesPerHour)

	if issues := acct.Issues(); len(issues) > 0 {
		fmt.Printf("  Not runnable: %s\n", strings.Join(issues, "; "))
		return
	}
	if !acct.Enabled {
		fmt.Println("  (disabled, checking anyway)")
	}

	resolved, err := acct.ResolveSecrets(ctx)
	if err != nil {
		fmt.Printf("  Credential error: %v\n", err)
		return
	}

	fmt.Printf("  Connecting as %s...\n", resolved.IMAP.User)
	start := time.Now()
	client, err := imap.Dial(ctx, resolved.IMAP)
	if err != nil {
		fmt.Printf("  Failed to connect: %v\n", err)
		return
	}
	defer client.Close()
	fmt.Printf("  Logged in (%v)\n", time.Since(start).Round(time.Millisecond))

	box, err := client.Select(ctx, acct.Folder)
	if err != nil {
		fmt.Printf("  Error selecting folder: %v\n", err)
		return
	}
	fmt.Printf("  %s: %d messages, UIDNEXT %d, UIDVALIDITY %d\n", box.Name, box.NumMessages, box.UIDNext, box.UIDValidity)

	if database != nil {
		if wm, ok, err := database.AccountState(acct.ID).Watermark(ctx); err == nil && ok {
			fmt.Printf("  Stored watermark: uid %d (validity %d)\n", wm.LastUID, wm.UIDValidity)
		}
	}

	msgs, err := client.FetchRecent(ctx, count)
	if err != nil {
		fmt.Printf("  Fetch error: %v\n", err)
		return
	}
	if len(msgs) == 0 {
		fmt.Println("  Folder is empty.")
		return
	}

	policy := filter.PolicyFor(acct)
	if database != nil {
		policy.Approved = func(sender string) bool {
			ok, _ := database.IsApproved(ctx, acct.ID, sender)
			return ok
		}
	}

	for i, raw := range msgs {
		msg, err := imap.Parse(raw)
		if err != nil {
			fmt.Printf("\n  [%d] UID %d: unparseable: %v\n", i+1, raw.UID, err)
			continue
		}
		verdict := filter.Evaluate(filter.Message{From: msg.From, Headers: msg.Headers}, policy)
		fmt.Printf("\n  [%d] UID %d  %s\n", i+1, msg.UID, msg.InternalDate.Local().Format("2006-01-02 15:04"))
		fmt.Printf("      From: %s\n", msg.From)
		fmt.Printf("      Subject: %s\n", msg.Subject)
		fmt.Printf("      Verdict: %s (%s)\n", verdict.Decision, verdict.Reason)
	}
}
