package imap

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// maxBodyBytes bounds how much of a text part is kept.
const maxBodyBytes = 1 << 20

// ParsedMessage is a fetched message reduced to what the responder needs.
// Ids carry no angle brackets and header names are lower-case.
type ParsedMessage struct {
	UID          uint32
	MessageID    string
	From         string
	FromName     string
	To           []string
	Cc           []string
	Subject      string
	Text         string
	Date         time.Time
	InternalDate time.Time
	InReplyTo    string
	References   []string
	Headers      map[string]string
}

// RawMessage is one message as returned by FETCH.
type RawMessage struct {
	UID          uint32
	InternalDate time.Time
	Body         []byte
}

// Parse decodes a raw RFC 5322 message. A missing Message-ID is replaced by a
// synthetic one derived from the UID so every message can be deduplicated.
func Parse(raw RawMessage) (*ParsedMessage, error) {
	r, err := mail.CreateReader(bytes.NewReader(raw.Body))
	if err != nil && r == nil {
		return nil, fmt.Errorf("failed to read message %d: %w", raw.UID, err)
	}
	defer r.Close()

	msg := &ParsedMessage{
		UID:          raw.UID,
		InternalDate: raw.InternalDate,
		Headers:      map[string]string{},
	}

	fields := r.Header.Fields()
	for fields.Next() {
		key := strings.ToLower(fields.Key())
		if _, seen := msg.Headers[key]; seen {
			continue
		}
		v, err := fields.Text()
		if err != nil {
			v = fields.Value()
		}
		msg.Headers[key] = strings.TrimSpace(v)
	}

	from, err := r.Header.AddressList("From")
	if err != nil || len(from) == 0 {
		return nil, fmt.Errorf("message %d has no parsable From header", raw.UID)
	}
	msg.From = strings.ToLower(from[0].Address)
	msg.FromName = from[0].Name

	msg.To = addresses(r.Header, "To")
	msg.Cc = addresses(r.Header, "Cc")

	if s, err := r.Header.Subject(); err == nil {
		msg.Subject = s
	} else {
		msg.Subject = r.Header.Get("Subject")
	}
	if d, err := r.Header.Date(); err == nil {
		msg.Date = d
	}

	if id, err := r.Header.MessageID(); err == nil && id != "" {
		msg.MessageID = id
	} else {
		msg.MessageID = fmt.Sprintf("uid-%d@%s", raw.UID, domainOf(msg.From))
	}
	if ids, err := r.Header.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		msg.InReplyTo = ids[0]
	}
	if ids, err := r.Header.MsgIDList("References"); err == nil {
		msg.References = ids
	}

	msg.Text, err = plainText(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read body of message %d: %w", raw.UID, err)
	}

	return msg, nil
}

func addresses(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, strings.ToLower(a.Address))
	}
	return out
}

// plainText returns the first text/plain part. Attachments are skipped.
func plainText(r *mail.Reader) (string, error) {
	var html string
	for {
		p, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		body, err := io.ReadAll(io.LimitReader(p.Body, maxBodyBytes))
		if err != nil {
			return "", err
		}
		switch ct {
		case "text/plain", "":
			return strings.TrimSpace(string(body)), nil
		case "text/html":
			if html == "" {
				html = string(body)
			}
		}
	}
	// No plain part; fall back to crudely stripped HTML.
	return strings.TrimSpace(stripTags(html)), nil
}

func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}
