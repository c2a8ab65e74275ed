package smtp

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/watch"
)

type captured struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	msg  string
}

func newTestMailer(t *testing.T, cfg Config, fail error) (*Mailer, *captured) {
	t.Helper()
	m, err := New(cfg)
	require.NoError(t, err)
	got := &captured{}
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		got.addr, got.auth, got.from, got.to, got.msg = addr, a, from, to, string(msg)
		return fail
	}
	m.now = func() time.Time { return time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC) }
	return m, got
}

func TestSendBuildsHTMLMessage(t *testing.T) {
	t.Parallel()

	m, got := newTestMailer(t, Config{Host: "smtp.example.com", Port: 2525, From: "watch@example.com", FromName: "Page Watch"}, nil)
	err := m.Send(context.Background(), watch.Message{
		To:      "ana@example.com",
		ToName:  "Ana",
		Subject: "Trail Shoe is on sale",
		HTML:    "<p>line one</p>\n<p>line two</p>",
	})
	require.NoError(t, err)

	require.Equal(t, "smtp.example.com:2525", got.addr)
	require.Nil(t, got.auth)
	require.Equal(t, "watch@example.com", got.from)
	require.Equal(t, []string{"ana@example.com"}, got.to)
	require.Contains(t, got.msg, "From: \"Page Watch\" <watch@example.com>\r\n")
	require.Contains(t, got.msg, "To: \"Ana\" <ana@example.com>\r\n")
	require.Contains(t, got.msg, "Subject: Trail Shoe is on sale\r\n")
	require.Contains(t, got.msg, "Date: Mon, 02 Jun 2025 12:00:00 +0000\r\n")
	require.Contains(t, got.msg, "Content-Type: text/html; charset=\"utf-8\"\r\n")
	require.True(t, strings.HasSuffix(got.msg, "\r\n\r\n<p>line one</p>\r\n<p>line two</p>"))
}

func TestSendUsesAuthWhenConfigured(t *testing.T) {
	t.Parallel()

	m, got := newTestMailer(t, Config{Host: "smtp.example.com", Port: 587, Username: "u", Password: "p", From: "watch@example.com"}, nil)
	require.NoError(t, m.Send(context.Background(), watch.Message{To: "ana@example.com"}))
	require.NotNil(t, got.auth)
}

func TestSendEncodesNonASCIISubject(t *testing.T) {
	t.Parallel()

	m, got := newTestMailer(t, Config{Host: "smtp.example.com", Port: 25, From: "watch@example.com"}, nil)
	require.NoError(t, m.Send(context.Background(), watch.Message{To: "ana@example.com", Subject: "Café is back in stock"}))
	require.Contains(t, got.msg, "Subject: =?utf-8?q?")
}

func TestSendErrors(t *testing.T) {
	t.Parallel()

	m, _ := newTestMailer(t, Config{Host: "smtp.example.com", Port: 25, From: "watch@example.com"}, errors.New("550 rejected"))
	err := m.Send(context.Background(), watch.Message{To: "ana@example.com"})
	require.ErrorContains(t, err, "550 rejected")

	err = m.Send(context.Background(), watch.Message{To: "not an address"})
	require.ErrorContains(t, err, "parse recipient")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, m.Send(ctx, watch.Message{To: "ana@example.com"}), context.Canceled)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Port: 25, From: "watch@example.com"})
	require.Error(t, err)
	_, err = New(Config{Host: "smtp.example.com", From: "watch@example.com"})
	require.Error(t, err)
	_, err = New(Config{Host: "smtp.example.com", Port: 25, From: "nope"})
	require.Error(t, err)
}
