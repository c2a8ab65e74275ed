// Package classifier runs the external vision classifier against a stored
// image and turns its output into a watch.Analysis.
package classifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

const (
	defaultTimeout        = 2 * time.Minute
	defaultMaxOutputBytes = 1 << 20
)

// Config controls how the classifier process is launched.
type Config struct {
	// Commands maps a kind name to its argv; the image path is appended.
	Commands       map[string][]string
	Timeout        time.Duration
	MaxOutputBytes int
	// Dir is the working directory for the process.
	Dir string
}

// Exec implements watch.Classifier by running a local process.
type Exec struct {
	cfg    Config
	logger *zap.Logger
}

// New validates the config and returns an Exec classifier.
func New(cfg Config, logger *zap.Logger) (*Exec, error) {
	if len(cfg.Commands) == 0 {
		return nil, fmt.Errorf("at least one classifier command is required")
	}
	for kind, argv := range cfg.Commands {
		if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
			return nil, fmt.Errorf("classifier command for kind %s is empty", kind)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exec{cfg: cfg, logger: logger}, nil
}

// SplitCommand turns a configured command line into argv.
func SplitCommand(line string) []string {
	return strings.Fields(line)
}

// Classify runs the kind's command with imagePath as its final argument and
// parses the first JSON object in its combined output.
func (e *Exec) Classify(ctx context.Context, imagePath string, kind watch.Kind) (watch.Analysis, error) {
	argv, ok := e.cfg.Commands[kind.Name]
	if !ok {
		return watch.Analysis{}, &watch.ClassificationError{
			ImagePath: imagePath,
			Err:       fmt.Errorf("no classifier command configured for kind %s", kind.Name),
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	args := append(append([]string(nil), argv[1:]...), imagePath)
	cmd := exec.CommandContext(runCtx, argv[0], args...) //nolint:gosec // command comes from operator config
	cmd.Dir = e.cfg.Dir
	cmd.WaitDelay = 5 * time.Second
	out := newCappedBuffer(e.cfg.MaxOutputBytes)
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	runErr := cmd.Run()
	metrics.ObserveClassify(kind.Name, time.Since(start))

	output := out.String()
	if runErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return watch.Analysis{}, &watch.ClassificationError{
			ImagePath: imagePath,
			Output:    output,
			Err:       fmt.Errorf("classifier timed out after %s: %w", e.cfg.Timeout, runErr),
		}
	}
	if out.Truncated() {
		e.logger.Warn("classifier output truncated",
			zap.String("kind", kind.Name),
			zap.String("image", imagePath),
			zap.Int("limit", e.cfg.MaxOutputBytes),
		)
	}

	analysis, err := Parse(output)
	if err != nil {
		if runErr != nil {
			err = errors.Join(fmt.Errorf("run classifier: %w", runErr), err)
		}
		return watch.Analysis{}, &watch.ClassificationError{ImagePath: imagePath, Output: output, Err: err}
	}
	if runErr != nil {
		e.logger.Warn("classifier exited with error but produced an object",
			zap.String("kind", kind.Name),
			zap.String("image", imagePath),
			zap.Error(runErr),
		)
	}
	e.logger.Debug("classifier finished",
		zap.String("kind", kind.Name),
		zap.String("image", imagePath),
		zap.Bool("product_page", analysis.IsProductPage),
		zap.Bool("qualifies", kind.Qualifies(analysis)),
		zap.Float64("confidence", analysis.Confidence),
	)
	return analysis, nil
}

// Parse extracts and decodes the first JSON object in raw process output.
func Parse(output string) (watch.Analysis, error) {
	object, err := ExtractObject(output)
	if err != nil {
		return watch.Analysis{}, err
	}
	return Decode(object)
}

// cappedBuffer keeps at most limit bytes and silently drops the rest so a
// chatty child never blocks on a full pipe.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
