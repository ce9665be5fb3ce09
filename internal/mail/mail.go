// Package mail sends plain text notifications over SMTP.
package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Message is a plain text mail.
type Message struct {
	From    string
	ReplyTo string
	To      []string
	Subject string
	Body    string
}

// Config holds the SMTP relay settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	// StartTLS upgrades the connection before authenticating. Delivery
	// fails when the relay does not offer STARTTLS.
	StartTLS bool
}

// SMTPMailer delivers messages through an SMTP relay.
type SMTPMailer struct {
	host     string
	addr     string
	startTLS bool
	auth     sasl.Client
	now      func() time.Time
}

// NewSMTPMailer creates a mailer for the relay in cfg. PLAIN authentication
// is used when a username is set.
func NewSMTPMailer(cfg Config) *SMTPMailer {
	port := cfg.Port
	if port == 0 {
		port = 25
	}
	m := &SMTPMailer{
		host:     cfg.Host,
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		startTLS: cfg.StartTLS,
		now:      time.Now,
	}
	if cfg.Username != "" {
		m.auth = sasl.NewPlainClient("", cfg.Username, cfg.Password)
	}
	return m
}

// Send delivers msg to all its recipients.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("mail %q has no recipients", msg.Subject)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.deliver(msg); err != nil {
		return fmt.Errorf("send mail to %s via %s: %w", strings.Join(msg.To, ", "), m.addr, err)
	}
	return nil
}

func (m *SMTPMailer) deliver(msg Message) error {
	c, err := m.dial()
	if err != nil {
		return err
	}
	defer c.Close()

	if m.auth != nil {
		if err := c.Auth(m.auth); err != nil {
			return err
		}
	}
	if err := c.SendMail(msg.From, msg.To, bytes.NewReader(Compose(msg, m.now()))); err != nil {
		return err
	}
	return c.Quit()
}

func (m *SMTPMailer) dial() (*smtp.Client, error) {
	if m.startTLS {
		return smtp.DialStartTLS(m.addr, &tls.Config{ServerName: m.host})
	}
	return smtp.Dial(m.addr)
}

// Compose renders msg as an RFC 5322 message with CRLF line endings.
func Compose(msg Message, date time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	if msg.ReplyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\r\n", msg.ReplyTo)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", date.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")

	body := strings.ReplaceAll(msg.Body, "\r\n", "\n")
	for _, line := range strings.Split(body, "\n") {
		// dot-stuffing is done by the SMTP data writer
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	return b.Bytes()
}
