// Package memory contains an in-process mailer that logs alerts instead of
// delivering them. It backs the "log" transport and tests.
package memory

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/watch"
)

// Mailer stores sent messages for inspection.
type Mailer struct {
	mu       sync.RWMutex
	messages []watch.Message
	logger   *zap.Logger
}

// New returns a memory Mailer. logger may be nil.
func New(logger *zap.Logger) *Mailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mailer{logger: logger}
}

// Send records the message.
func (m *Mailer) Send(ctx context.Context, msg watch.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()
	m.logger.Info("alert", zap.String("to", msg.To), zap.String("subject", msg.Subject))
	return nil
}

// Messages returns the recorded sends.
func (m *Mailer) Messages() []watch.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]watch.Message, len(m.messages))
	copy(out, m.messages)
	return out
}
