package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"

	"inbox-responder/internal/config"
)

const (
	DefaultDialTimeout = 30 * time.Second
	// DefaultCommandTimeout bounds each command once logged in.
	DefaultCommandTimeout = 2 * time.Minute

	logoutTimeout = 5 * time.Second
)

var errNotConnected = errors.New("imap client not connected")

// Mailbox is the state of the selected folder.
type Mailbox struct {
	Name        string
	NumMessages uint32
	UIDNext     uint32
	UIDValidity uint32
}

// Client holds one authenticated IMAP connection.
type Client struct {
	host        string
	port        int
	user        string
	password    string
	tls         bool
	dialTimeout time.Duration
	// commandTimeout is applied as a connection deadline around each command.
	commandTimeout time.Duration

	conn    *imapclient.Client
	netConn net.Conn
	stop    func() bool
}

func NewClient(s config.IMAPSettings) *Client {
	return &Client{
		host:           s.Host,
		port:           s.Port,
		user:           s.User,
		password:       s.Password,
		tls:            s.TLS,
		dialTimeout:    DefaultDialTimeout,
		commandTimeout: DefaultCommandTimeout,
	}
}

// Dial connects and logs in. The dial, greeting and login share the dial
// timeout. Later commands each get the command timeout, and cancelling ctx
// drops the connection so a blocked command returns.
func Dial(ctx context.Context, s config.IMAPSettings) (*Client, error) {
	c := NewClient(s)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) Connect(ctx context.Context) error {
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	tlsConfig := &tls.Config{ServerName: c.host}
	nd := &net.Dialer{Timeout: c.dialTimeout}

	var (
		conn net.Conn
		err  error
	)
	if c.tls {
		conn, err = (&tls.Dialer{NetDialer: nd, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = nd.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	conn.SetDeadline(time.Now().Add(c.dialTimeout))

	opts := &imapclient.Options{
		TLSConfig:   tlsConfig,
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
	}

	var client *imapclient.Client
	if c.tls {
		client = imapclient.New(conn, opts)
	} else {
		client, err = imapclient.NewStartTLS(conn, opts)
		if err != nil {
			conn.Close()
			return fmt.Errorf("failed to start TLS with %s: %w", addr, err)
		}
	}

	if err := client.Login(c.user, c.password).Wait(); err != nil {
		client.Close()
		return fmt.Errorf("failed to login: %w", err)
	}
	c.attach(ctx, conn, client)
	return nil
}

// attach makes client the session and ties its lifetime to ctx.
func (c *Client) attach(ctx context.Context, conn net.Conn, client *imapclient.Client) {
	conn.SetDeadline(time.Time{})
	c.netConn = conn
	c.conn = client
	c.stop = context.AfterFunc(ctx, func() { client.Close() })
}

// begin arms the command deadline and returns the func that clears it.
func (c *Client) begin() func() {
	if c.netConn == nil || c.commandTimeout <= 0 {
		return func() {}
	}
	c.netConn.SetDeadline(time.Now().Add(c.commandTimeout))
	return func() { c.netConn.SetDeadline(time.Time{}) }
}

// failed prefers the cancellation cause over the error it produced.
func failed(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (c *Client) Select(ctx context.Context, folder string) (Mailbox, error) {
	if c.conn == nil {
		return Mailbox{}, errNotConnected
	}
	defer c.begin()()
	data, err := c.conn.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return Mailbox{}, fmt.Errorf("failed to select folder %s: %w", folder, failed(ctx, err))
	}
	return Mailbox{
		Name:        folder,
		NumMessages: data.NumMessages,
		UIDNext:     uint32(data.UIDNext),
		UIDValidity: data.UIDValidity,
	}, nil
}

// FetchAfter returns up to limit messages with a UID above lastUID, lowest
// UID first.
func (c *Client) FetchAfter(ctx context.Context, lastUID uint32, limit int) ([]RawMessage, error) {
	uids, err := c.search(ctx, &imap.SearchCriteria{
		UID: []imap.UIDSet{{imap.UIDRange{Start: imap.UID(lastUID + 1), Stop: 0}}},
	})
	if err != nil {
		return nil, err
	}

	// "n:*" always matches the highest UID, even when it is below n.
	var newer []imap.UID
	for _, uid := range uids {
		if uint32(uid) > lastUID {
			newer = append(newer, uid)
		}
	}
	if limit > 0 && len(newer) > limit {
		newer = newer[:limit]
	}
	return c.fetch(ctx, newer)
}

// FetchSince returns up to limit messages whose internal date is after since.
func (c *Client) FetchSince(ctx context.Context, since time.Time, limit int) ([]RawMessage, error) {
	uids, err := c.search(ctx, &imap.SearchCriteria{Since: since})
	if err != nil {
		return nil, err
	}
	msgs, err := c.fetch(ctx, uids)
	if err != nil {
		return nil, err
	}

	var out []RawMessage
	for _, m := range msgs {
		if m.InternalDate.After(since) {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FetchRecent returns the count most recent messages of the selected folder.
func (c *Client) FetchRecent(ctx context.Context, count int) ([]RawMessage, error) {
	uids, err := c.search(ctx, &imap.SearchCriteria{})
	if err != nil {
		return nil, err
	}
	if count > 0 && len(uids) > count {
		uids = uids[len(uids)-count:]
	}
	return c.fetch(ctx, uids)
}

func (c *Client) search(ctx context.Context, criteria *imap.SearchCriteria) ([]imap.UID, error) {
	if c.conn == nil {
		return nil, errNotConnected
	}
	defer c.begin()()
	data, err := c.conn.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", failed(ctx, err))
	}
	uids := data.AllUIDs()
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (c *Client) fetch(ctx context.Context, uids []imap.UID) ([]RawMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	if c.conn == nil {
		return nil, errNotConnected
	}
	defer c.begin()()

	section := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := c.conn.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	var msgs []RawMessage
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			return nil, fmt.Errorf("failed to collect message: %w", failed(ctx, err))
		}
		msgs = append(msgs, RawMessage{
			UID:          uint32(buf.UID),
			InternalDate: buf.InternalDate,
			Body:         buf.FindBodySection(section),
		})
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch failed: %w", failed(ctx, err))
	}

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].UID < msgs[j].UID })
	return msgs, nil
}

// Close logs out and closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil
	if c.stop != nil && !c.stop() {
		// Cancellation already dropped the connection.
		conn.Close()
		return nil
	}
	if c.netConn != nil {
		c.netConn.SetDeadline(time.Now().Add(logoutTimeout))
	}

	done := make(chan error, 1)
	go func() { done <- conn.Logout().Wait() }()
	select {
	case err := <-done:
		if err != nil {
			conn.Close()
			return fmt.Errorf("failed to logout: %w", err)
		}
		return conn.Close()
	case <-time.After(logoutTimeout):
		conn.Close()
		return errors.New("logout timed out")
	}
}
