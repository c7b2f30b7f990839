package delivery

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"fedcore/pkg/federation"
	"fedcore/pkg/store"
)

// Mailer sends a rendered RFC 5322 message.
type Mailer interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// SMTPMailer relays through a plain SMTP server.
type SMTPMailer struct {
	Addr string
	Auth smtp.Auth
}

func (m *SMTPMailer) Send(ctx context.Context, from string, to []string, msg []byte) error {
	done := make(chan error, 1)
	go func() { done <- smtp.SendMail(m.Addr, m.Auth, from, to, msg) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// messageID derives a stable Message-Id from an item uri.
func messageID(uri, host string) string {
	sum := sha256.Sum256([]byte(uri))
	return "<" + hex.EncodeToString(sum[:16]) + "@" + host + ">"
}

// mailAddress returns the address of a mail contact.
func mailAddress(c *store.Contact) string {
	if addr, ok := strings.CutPrefix(c.URL, "mailto:"); ok {
		return addr
	}
	if strings.Contains(c.Handle, "@") {
		return c.Handle
	}
	return ""
}

func (o *Orchestrator) sendMail(ctx context.Context, t *target, c *store.Contact) error {
	switch {
	case !o.mail || o.mailer == nil:
		return fmt.Errorf("%w: mail is disabled", errSkip)
	case t.job.Command != CommandWallNew && t.job.Command != CommandPoke:
		return fmt.Errorf("%w: %s is not mailed", errSkip, t.job.Command)
	case !t.itemBased() || t.item.Verb != store.VerbPost:
		return fmt.Errorf("%w: only posts are mailed", errSkip)
	}
	to := mailAddress(c)
	if to == "" {
		return fmt.Errorf("%w: %s has no address", errSkip, c.Handle)
	}

	msg := o.renderMail(t, to)
	if err := o.mailer.Send(ctx, o.mailFrom, []string{to}, msg); err != nil {
		return &federation.TransportError{URL: "mailto:" + to, Err: err}
	}
	return nil
}

// headerValue keeps stored text from breaking out of a header line.
var headerValue = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// renderMail builds the message for an item. Replies reference the parent
// and, when it differs, the thread parent.
func (o *Orchestrator) renderMail(t *target, to string) []byte {
	host := federation.StripPort(o.hostname)
	item := t.item

	subject := item.Title
	var refs []string
	if !item.IsTopLevel() {
		refs = append(refs, messageID(t.parent.URI, host))
		if t.thr.URI != t.parent.URI {
			refs = append(refs, messageID(t.thr.URI, host))
		}
		if subject == "" {
			subject = t.parent.Title
		}
		if !strings.HasPrefix(strings.ToLower(subject), "re:") {
			subject = "Re: " + subject
		}
	}
	if subject == "" {
		subject = "Post from " + t.owner.Name
	}

	var buf bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, headerValue.Replace(v)) }
	header("From", fmt.Sprintf("%q <%s>", t.owner.Name, o.mailFrom))
	header("To", to)
	header("Subject", subject)
	header("Date", item.Created.UTC().Format(time.RFC1123Z))
	header("Message-Id", messageID(item.URI, host))
	if len(refs) > 0 {
		header("In-Reply-To", refs[0])
		header("References", strings.Join(refs, " "))
	}
	header("MIME-Version", "1.0")
	header("Content-Type", "text/plain; charset=UTF-8")
	buf.WriteString("\r\n")
	buf.WriteString(strings.ReplaceAll(item.Body, "\n", "\r\n"))
	buf.WriteString("\r\n")
	return buf.Bytes()
}
