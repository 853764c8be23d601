package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nhle/mailflow/internal/credential"
	"github.com/nhle/mailflow/internal/model"
	"github.com/nhle/mailflow/internal/theme"
)

type accountOptions struct {
	userID       string
	email        string
	provider     string
	username     string
	imapHost     string
	imapPort     int
	imapSecurity string
	smtpHost     string
	smtpPort     int
	smtpSecurity string
	mailbox      string
	isDefault    bool
	passwordPipe bool
	accessToken  string
	refreshToken string
}

func newAccountCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage mail accounts",
	}
	cmd.AddCommand(newAccountAddCmd(opts), newAccountListCmd(opts))
	return cmd
}

func newAccountAddCmd(opts *rootOptions) *cobra.Command {
	o := &accountOptions{}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a mail account; secrets are encrypted with the vault key",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd, o)
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			acct := &model.EmailAccount{
				UserID:       o.userID,
				EmailAddress: o.email,
				Provider:     strings.ToLower(o.provider),
				Username:     o.username,
				IMAPHost:     o.imapHost,
				IMAPPort:     o.imapPort,
				IMAPSecurity: model.ParseSecurityMode(o.imapSecurity),
				SMTPHost:     o.smtpHost,
				SMTPPort:     o.smtpPort,
				SMTPSecurity: model.ParseSecurityMode(o.smtpSecurity),
				Mailbox:      o.mailbox,
				IsDefault:    o.isDefault,
			}
			if err := a.AddAccount(cmd.Context(), acct, password, o.accessToken, o.refreshToken); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), theme.Summary("account add", "ok", []theme.Field{
				{Label: "id", Value: acct.ID},
				{Label: "user", Value: acct.UserID},
				{Label: "address", Value: acct.EmailAddress},
				{Label: "imap", Value: fmt.Sprintf("%s:%d (%s)", acct.IMAPHost, acct.IMAPPort, acct.IMAPSecurity)},
				{Label: "smtp", Value: fmt.Sprintf("%s:%d (%s)", acct.SMTPHost, acct.SMTPPort, acct.SMTPSecurity)},
			}))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.userID, "user", "", "Owning user id")
	f.StringVar(&o.email, "email", "", "Email address")
	f.StringVar(&o.provider, "provider", "", "OAuth provider (google, microsoft) for token accounts")
	f.StringVar(&o.username, "username", "", "Login name (default the email address)")
	f.StringVar(&o.imapHost, "imap-host", "", "IMAP host")
	f.IntVar(&o.imapPort, "imap-port", 993, "IMAP port")
	f.StringVar(&o.imapSecurity, "imap-security", "tls", "IMAP security: tls, starttls or none")
	f.StringVar(&o.smtpHost, "smtp-host", "", "SMTP host")
	f.IntVar(&o.smtpPort, "smtp-port", 465, "SMTP port")
	f.StringVar(&o.smtpSecurity, "smtp-security", "tls", "SMTP security: tls, starttls or none")
	f.StringVar(&o.mailbox, "mailbox", "INBOX", "Mailbox to sync")
	f.BoolVar(&o.isDefault, "default", false, "Use this account to send the user's digests")
	f.BoolVar(&o.passwordPipe, "password-stdin", false, "Read the password from stdin")
	f.StringVar(&o.accessToken, "access-token", "", "OAuth access token (skips the password)")
	f.StringVar(&o.refreshToken, "refresh-token", "", "OAuth refresh token")
	for _, name := range []string{"user", "email", "imap-host", "smtp-host"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

// readPassword returns "" for token accounts, reads stdin with
// --password-stdin and otherwise prompts without echo.
func readPassword(cmd *cobra.Command, o *accountOptions) (string, error) {
	if o.accessToken != "" {
		return "", nil
	}
	if o.passwordPipe {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading password from stdin: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal for the password prompt, use --password-stdin")
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Password for %s: ", o.email)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}

func newAccountListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts and their sync watermark",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			accounts, err := a.Store.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			if len(accounts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), theme.HelpStyle.Render("No accounts. Add one with `mailflow account add`."))
				return nil
			}
			for _, acct := range accounts {
				lastSync := "never"
				if acct.LastSyncedAt != nil {
					lastSync = acct.LastSyncedAt.Local().Format("2006-01-02 15:04")
				}
				fmt.Fprintln(cmd.OutOrStdout(), theme.Summary(acct.EmailAddress, "idle", []theme.Field{
					{Label: "id", Value: acct.ID},
					{Label: "user", Value: acct.UserID},
					{Label: "mailbox", Value: acct.MailboxName()},
					{Label: "last uid", Value: acct.LastSyncedUID},
					{Label: "last sync", Value: lastSync},
				}))
			}
			return nil
		},
	}
}

func newKeygenCmd() *cobra.Command {
	var save bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Print a fresh random vault key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := credential.GenerateKey()
			if err != nil {
				return err
			}
			if save {
				if err := credential.NewKeyring().Set(credential.VaultKeyName, key); err != nil {
					return err
				}
				fmt.Fprintln(cmd.ErrOrStderr(), theme.HelpStyle.Render("Key saved to the system keyring."))
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "store", false, "Also save the key in the system keyring")
	return cmd
}
