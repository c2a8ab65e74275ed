// Package smtp delivers alerts through an SMTP relay.
package smtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/pagewatch/internal/watch"
)

// Config describes the relay and the sender identity.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer sends HTML alerts with net/smtp.
type Mailer struct {
	cfg  Config
	addr string
	auth smtp.Auth
	send sendFunc
	now  func() time.Time
}

// New validates cfg and returns a Mailer. Authentication is only used when
// a username is configured.
func New(cfg Config) (*Mailer, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid smtp port %d", cfg.Port)
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("parse sender address: %w", err)
	}
	m := &Mailer{
		cfg:  cfg,
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		send: smtp.SendMail,
		now:  time.Now,
	}
	if cfg.Username != "" {
		m.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return m, nil
}

// Send delivers one message. The relay conversation itself is not
// cancellable; ctx is checked before dialing.
func (m *Mailer) Send(ctx context.Context, msg watch.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return fmt.Errorf("parse recipient: %w", err)
	}
	body := m.build(msg, to)
	if err := m.send(m.addr, m.auth, m.cfg.From, []string{to.Address}, body); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func (m *Mailer) build(msg watch.Message, to *mail.Address) []byte {
	from := mail.Address{Name: m.cfg.FromName, Address: m.cfg.From}
	rcpt := mail.Address{Name: msg.ToName, Address: to.Address}

	var buf bytes.Buffer
	header := func(k, v string) {
		buf.WriteString(k)
		buf.WriteString(": ")
		buf.WriteString(v)
		buf.WriteString("\r\n")
	}
	header("From", from.String())
	header("To", rcpt.String())
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Date", m.now().UTC().Format(time.RFC1123Z))
	header("MIME-Version", "1.0")
	header("Content-Type", `text/html; charset="utf-8"`)
	header("Content-Transfer-Encoding", "8bit")
	buf.WriteString("\r\n")
	buf.WriteString(strings.ReplaceAll(strings.ReplaceAll(msg.HTML, "\r\n", "\n"), "\n", "\r\n"))
	return buf.Bytes()
}
