package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	netmail "net/mail"
	"strings"

	"github.com/jhillyerd/enmime"

	"github.com/Martian-dev/inbox-sentinel/internal/mail"
)

var (
	// ErrEmptyMessage is returned for a message with no MIME content.
	ErrEmptyMessage = errors.New("empty message")
	// ErrNotRFC822 is returned when the content carries none of the
	// mandatory message headers.
	ErrNotRFC822 = errors.New("content is not an RFC 822 message")
)

// Parse converts a raw provider message into the canonical parsed form.
func Parse(raw *mail.RawMessage) (*mail.ParsedEmail, error) {
	if raw == nil || len(bytes.TrimSpace(raw.MIME)) == 0 {
		return nil, ErrEmptyMessage
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw.MIME))
	if err != nil {
		return nil, fmt.Errorf("read envelope: %w", err)
	}
	if env.GetHeader("From") == "" && env.GetHeader("Date") == "" && env.GetHeader("Subject") == "" {
		return nil, ErrNotRFC822
	}

	parsed := &mail.ParsedEmail{
		MessageID:         raw.ID,
		Provider:          raw.Provider,
		ThreadID:          raw.ThreadID,
		InternetMessageID: strings.Trim(env.GetHeader("Message-Id"), "<> "),
		Subject:           env.GetHeader("Subject"),
		ReceivedAt:        raw.ReceivedAt,
		TextBody:          env.Text,
		HTMLBody:          env.HTML,
		Labels:            raw.Labels,
		Headers:           make(map[string][]string),
	}

	if from := addressList(env, "From"); len(from) > 0 {
		parsed.From = from[0]
	}
	parsed.ReplyTo = addressList(env, "Reply-To")
	parsed.To = addressList(env, "To")
	parsed.Cc = addressList(env, "Cc")

	if d, err := netmail.ParseDate(env.GetHeader("Date")); err == nil {
		parsed.Date = d.UTC()
	}
	if parsed.ReceivedAt.IsZero() {
		parsed.ReceivedAt = parsed.Date
	}

	for _, key := range env.GetHeaderKeys() {
		parsed.Headers[key] = env.GetHeaderValues(key)
	}

	parsed.Attachments = attachments(env)

	return parsed, nil
}

// attachments lists attached and inline parts without touching the
// envelope's slices.
func attachments(env *enmime.Envelope) []mail.Attachment {
	var out []mail.Attachment
	for _, parts := range [][]*enmime.Part{env.Attachments, env.Inlines} {
		for _, p := range parts {
			out = append(out, mail.Attachment{
				Filename:    p.FileName,
				ContentType: p.ContentType,
				Size:        len(p.Content),
			})
		}
	}
	return out
}

// addressList returns the parsed addresses of a header, or nil when the
// header is absent or malformed.
func addressList(env *enmime.Envelope, key string) []mail.Address {
	list, err := env.AddressList(key)
	if err != nil {
		return nil
	}
	return convertAddresses(list)
}

func convertAddresses(list []*netmail.Address) []mail.Address {
	out := make([]mail.Address, 0, len(list))
	for _, a := range list {
		if a == nil {
			continue
		}
		out = append(out, mail.Address{Name: a.Name, Email: strings.ToLower(a.Address)})
	}
	return out
}
