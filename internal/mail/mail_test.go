package mail

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	from string
	to   []string
	data string
}

type backend struct {
	mu   sync.Mutex
	msgs []received
}

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{backend: b}, nil
}

func (b *backend) messages() []received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]received(nil), b.msgs...)
}

type session struct {
	backend *backend
	current received
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.current.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.current.to = append(s.current.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.current.data = string(data)
	s.backend.mu.Lock()
	s.backend.msgs = append(s.backend.msgs, s.current)
	s.backend.mu.Unlock()
	return nil
}

func (s *session) Reset() {
	s.current = received{}
}

func (s *session) Logout() error {
	return nil
}

func startServer(t *testing.T) (*backend, string, int) {
	t.Helper()
	be := &backend{}
	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = srv.Serve(l)
	}()
	t.Cleanup(func() { _ = srv.Close() })

	host, port, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return be, host, p
}

func TestSMTPMailer_Send(t *testing.T) {
	be, host, port := startServer(t)

	m := NewSMTPMailer(Config{Host: host, Port: port})
	m.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	err := m.Send(context.Background(), Message{
		From:    "hpc@example.org",
		ReplyTo: "support@example.org",
		To:      []string{"jane@example.org"},
		Subject: "Quota on VSC_DATA exceeded",
		Body:    "Dear Jane\n\n.\nusage follows",
	})
	require.NoError(t, err)

	msgs := be.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hpc@example.org", msgs[0].from)
	assert.Equal(t, []string{"jane@example.org"}, msgs[0].to)
	assert.Contains(t, msgs[0].data, "Subject: Quota on VSC_DATA exceeded\r\n")
	assert.Contains(t, msgs[0].data, "Reply-To: support@example.org\r\n")
	assert.Contains(t, msgs[0].data, "Dear Jane\r\n")
	assert.Contains(t, msgs[0].data, "\r\n.\r\nusage follows")
}

func TestSMTPMailer_StartTLSRequired(t *testing.T) {
	be, host, port := startServer(t)

	m := NewSMTPMailer(Config{Host: host, Port: port, StartTLS: true})
	err := m.Send(context.Background(), Message{From: "hpc@example.org", To: []string{"jane@example.org"}, Subject: "x"})
	assert.Error(t, err, "relay without STARTTLS is refused")
	assert.Empty(t, be.messages())
}

func TestSMTPMailer_NoRecipients(t *testing.T) {
	m := NewSMTPMailer(Config{Host: "127.0.0.1", Port: 1})
	err := m.Send(context.Background(), Message{Subject: "x"})
	assert.Error(t, err)
}

func TestSMTPMailer_Unreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	require.NoError(t, l.Close())

	m := NewSMTPMailer(Config{Host: "127.0.0.1", Port: addr.Port})
	err = m.Send(context.Background(), Message{To: []string{"a@example.org"}})
	assert.Error(t, err)
}

func TestCompose(t *testing.T) {
	date := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	out := string(Compose(Message{
		From:    "hpc@example.org",
		To:      []string{"a@example.org", "b@example.org"},
		Subject: "Quota exceeded",
		Body:    "line one\r\nline two",
	}, date))

	assert.True(t, strings.HasPrefix(out, "From: hpc@example.org\r\nTo: a@example.org, b@example.org\r\n"))
	assert.NotContains(t, out, "Reply-To")
	assert.Contains(t, out, "Date: Fri, 01 Mar 2024 12:00:00 +0000\r\n")
	assert.Contains(t, out, "MIME-Version: 1.0\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"Content-Transfer-Encoding: 8bit\r\n"+
		"\r\n"+
		"line one\r\nline two\r\n")
}
