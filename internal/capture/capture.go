// Package capture turns a URL into a stored, downscaled screenshot. It owns
// the size gate and the single evasive retry that follows an unusable shot.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/headless"
	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

const defaultMaxWidth = 1024

// Renderer produces a screenshot of a URL.
type Renderer interface {
	Render(ctx context.Context, url string, profile headless.Profile) (headless.Shot, error)
}

// Gate reports why a shot is unusable, or "" when it is fine.
type Gate interface {
	Inspect(shot headless.Shot) string
}

// ImageStore persists image bytes under a relative name.
type ImageStore interface {
	Put(ctx context.Context, name string, data io.Reader) (string, error)
	Remove(ctx context.Context, name string) error
}

// Mirror copies a stored image to secondary storage.
type Mirror interface {
	Upload(ctx context.Context, name string, data []byte, metadata map[string]string) (string, error)
}

// Options tune the service.
type Options struct {
	MaxWidth int
}

// Service implements watch.Capturer.
type Service struct {
	renderer Renderer
	gate     Gate
	images   ImageStore
	mirror   Mirror
	hasher   watch.Hasher
	clock    watch.Clock
	maxWidth int
	logger   *zap.Logger
}

// New wires a capture service. mirror may be nil.
func New(
	renderer Renderer,
	gate Gate,
	images ImageStore,
	mirror Mirror,
	hasher watch.Hasher,
	clock watch.Clock,
	opts Options,
	logger *zap.Logger,
) (*Service, error) {
	if renderer == nil || gate == nil || images == nil || hasher == nil || clock == nil {
		return nil, errors.New("capture: renderer, gate, images, hasher and clock are required")
	}
	if opts.MaxWidth == 0 {
		opts.MaxWidth = defaultMaxWidth
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		renderer: renderer,
		gate:     gate,
		images:   images,
		mirror:   mirror,
		hasher:   hasher,
		clock:    clock,
		maxWidth: opts.MaxWidth,
		logger:   logger,
	}, nil
}

// Capture renders url, retrying once with the evasive profile when the
// first shot is missing or rejected by the gate, and stores the best image.
func (s *Service) Capture(ctx context.Context, url string) (watch.Capture, error) {
	std, stdErr := s.attempt(ctx, url, headless.Standard)
	if stdErr == nil && s.gate.Inspect(std) == "" {
		return s.store(ctx, url, std, false)
	}
	if ctx.Err() != nil {
		return watch.Capture{}, &watch.CaptureError{URL: url, Err: ctx.Err()}
	}

	ev, evErr := s.attempt(ctx, url, headless.Evasive)
	if evErr == nil && s.gate.Inspect(ev) == "" {
		return s.store(ctx, url, ev, true)
	}

	switch {
	case stdErr != nil && evErr != nil:
		return watch.Capture{}, &watch.CaptureError{URL: url, Err: errors.Join(stdErr, evErr)}
	case evErr == nil && (stdErr != nil || len(ev.PNG) >= len(std.PNG)):
		if len(ev.PNG) == 0 {
			return watch.Capture{}, &watch.CaptureError{URL: url, Err: errors.New("evasive render produced no image")}
		}
		s.logger.Info("keeping undersized evasive capture", zap.String("url", url), zap.Int("bytes", len(ev.PNG)))
		return s.store(ctx, url, ev, true)
	default:
		if len(std.PNG) == 0 {
			return watch.Capture{}, &watch.CaptureError{URL: url, Err: errors.New("standard render produced no image")}
		}
		s.logger.Info("keeping undersized standard capture", zap.String("url", url), zap.Int("bytes", len(std.PNG)))
		return s.store(ctx, url, std, false)
	}
}

func (s *Service) attempt(ctx context.Context, url string, profile headless.Profile) (headless.Shot, error) {
	start := time.Now()
	shot, err := s.renderer.Render(ctx, url, profile)
	result := "ok"
	switch {
	case err != nil:
		result = "error"
		s.logger.Warn("render failed",
			zap.String("url", url),
			zap.Stringer("profile", profile),
			zap.Error(err),
		)
	default:
		if reason := s.gate.Inspect(shot); reason != "" {
			result = reason
			s.logger.Info("render rejected",
				zap.String("url", url),
				zap.Stringer("profile", profile),
				zap.String("reason", reason),
				zap.Int("bytes", len(shot.PNG)),
			)
		}
	}
	metrics.ObserveCaptureAttempt(profile.String(), result, time.Since(start))
	if err != nil {
		return headless.Shot{}, fmt.Errorf("%s render: %w", profile, err)
	}
	return shot, nil
}

func (s *Service) store(ctx context.Context, url string, shot headless.Shot, evasive bool) (watch.Capture, error) {
	data, resized, err := Downscale(shot.PNG, s.maxWidth)
	if err != nil {
		s.logger.Warn("downscale failed, storing original", zap.String("url", url), zap.Error(err))
		data, resized = shot.PNG, false
	}

	name := FileName(s.clock.Now(), url)
	abs, err := s.images.Put(ctx, name, bytes.NewReader(data))
	if err != nil {
		return watch.Capture{}, &watch.CaptureError{URL: url, Err: fmt.Errorf("store image: %w", err)}
	}
	hash, err := s.hasher.Hash(data)
	if err != nil {
		_ = s.images.Remove(ctx, name)
		return watch.Capture{}, &watch.CaptureError{URL: url, Err: fmt.Errorf("hash image: %w", err)}
	}

	if s.mirror != nil {
		uri, mErr := s.mirror.Upload(ctx, name, data, map[string]string{
			"source_url":   url,
			"content_hash": hash,
		})
		if mErr != nil {
			s.logger.Warn("mirror upload failed", zap.String("name", name), zap.Error(mErr))
		} else {
			s.logger.Debug("mirrored capture", zap.String("uri", uri))
		}
	}

	s.logger.Info("capture stored",
		zap.String("url", url),
		zap.String("path", name),
		zap.Int("bytes", len(data)),
		zap.Bool("resized", resized),
		zap.Bool("evasive", evasive),
	)
	return watch.Capture{
		Path:    name,
		AbsPath: abs,
		Size:    len(data),
		Hash:    hash,
		Evasive: evasive,
	}, nil
}

// Discard removes a stored capture; used when a failed cycle should not
// keep its image.
func (s *Service) Discard(ctx context.Context, c watch.Capture) error {
	return s.images.Remove(ctx, c.Path)
}
