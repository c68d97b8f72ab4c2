// Package agent runs an external command that turns an inbound message into
// reply text.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"inbox-responder/internal/config"
	"inbox-responder/internal/poller"
)

const DefaultTimeout = 2 * time.Minute

// ErrNoCommand is returned by New when no agent command is configured.
var ErrNoCommand = errors.New("no agent command configured")

// Command pipes the inbound message as JSON to a shell command and sends its
// trimmed stdout as the reply. Empty output means no reply.
type Command struct {
	command string
	timeout time.Duration
	logger  *log.Logger
}

func New(cfg config.AgentConfig, logger *log.Logger) (*Command, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, ErrNoCommand
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Command{
		command: cfg.Command,
		timeout: timeout,
		logger:  logger.WithPrefix("agent"),
	}, nil
}

func (c *Command) Process(ctx context.Context, in *poller.Inbound) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode inbound message: %w", err)
	}

	reply, err := c.run(ctx, in, payload)
	if err != nil {
		return err
	}
	if reply == "" {
		c.logger.Debug("Agent produced no reply", "message_id", in.MessageID)
		return nil
	}

	res := in.Reply(ctx, reply)
	if !res.OK {
		return fmt.Errorf("failed to send reply to %s: %s", in.From, res.Error)
	}
	return nil
}

func (c *Command) run(ctx context.Context, in *poller.Inbound, payload []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", c.command)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(),
		"RESPONDER_ACCOUNT="+in.AccountID,
		"RESPONDER_FROM="+in.From,
		"RESPONDER_SUBJECT="+in.Subject,
		"RESPONDER_MESSAGE_ID="+in.MessageID,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	c.logger.Debug("Agent finished", "message_id", in.MessageID, "took", time.Since(start).Round(time.Millisecond))

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("agent timed out after %v", c.timeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", fmt.Errorf("agent command failed: %w", err)
		}
		return "", fmt.Errorf("agent command failed: %w: %s", err, msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}
