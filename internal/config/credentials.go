package config

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/99designs/keyring"
)

const keyringService = "inbox-responder"

// secretCommandTimeout bounds cmd: references such as "pass show mail/work".
const secretCommandTimeout = 15 * time.Second

// openKeyring is swapped in tests.
var openKeyring = func() (keyring.Keyring, error) {
	home, _ := os.UserHomeDir()
	return keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  home + "/.config/inbox-responder/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt(keyringService + "-file-key"),
		KeychainTrustApplication: true,
	})
}

// IsSecretReference reports whether v points at a secret instead of holding it.
func IsSecretReference(v string) bool {
	for _, prefix := range []string{"env:", "cmd:", "keyring:"} {
		if strings.HasPrefix(v, prefix) {
			return true
		}
	}
	return false
}

// ResolveSecret expands env:NAME, cmd:COMMAND and keyring:KEY references.
// Any other value is returned unchanged.
func ResolveSecret(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		val, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
		return val, nil

	case strings.HasPrefix(ref, "cmd:"):
		ctx, cancel := context.WithTimeout(ctx, secretCommandTimeout)
		defer cancel()
		out, err := exec.CommandContext(ctx, "sh", "-c", strings.TrimPrefix(ref, "cmd:")).Output()
		if err != nil {
			return "", fmt.Errorf("failed to run password command: %w", err)
		}
		return strings.TrimSpace(string(out)), nil

	case strings.HasPrefix(ref, "keyring:"):
		key := strings.TrimPrefix(ref, "keyring:")
		ring, err := openKeyring()
		if err != nil {
			return "", fmt.Errorf("failed to open keyring: %w", err)
		}
		item, err := ring.Get(key)
		if err != nil {
			return "", fmt.Errorf("failed to read keyring item %q: %w", key, err)
		}
		return string(item.Data), nil
	}
	return ref, nil
}

// ResolveSecrets returns a copy of the account with password references expanded.
func (a Account) ResolveSecrets(ctx context.Context) (Account, error) {
	imapPassword, err := ResolveSecret(ctx, a.IMAP.Password)
	if err != nil {
		return a, fmt.Errorf("account %s imap password: %w", a.ID, err)
	}
	smtpPassword := imapPassword
	if a.SMTP.Password != a.IMAP.Password {
		smtpPassword, err = ResolveSecret(ctx, a.SMTP.Password)
		if err != nil {
			return a, fmt.Errorf("account %s smtp password: %w", a.ID, err)
		}
	}
	a.IMAP.Password = imapPassword
	a.SMTP.Password = smtpPassword
	return a, nil
}
