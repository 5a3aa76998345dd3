// Package photo checks uploaded item photos, normalizes them to JPEG and
// removes stale temporary files.
package photo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

var (
	ErrTooLarge = errors.New("photo exceeds size limit")
	ErrTooSmall = errors.New("photo resolution below minimum")
	ErrNotImage = errors.New("not a JPEG or PNG image")
)

// Options configures a Processor. Zero values take the defaults.
type Options struct {
	Dir       string
	MaxBytes  int64 // default 5 MB
	MinWidth  int   // default 800
	MinHeight int   // default 600
	MaxSide   int   // longer side after resizing, default 1600
	Quality   int   // JPEG quality, default 70
}

// Processor stores photos as processed JPEG artifacts in one directory.
type Processor struct {
	opts   Options
	logger *slog.Logger
}

// NewProcessor creates the artifact directory if needed.
func NewProcessor(opts Options) (*Processor, error) {
	if opts.Dir == "" {
		return nil, errors.New("photo directory is required")
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 5 << 20
	}
	if opts.MinWidth <= 0 {
		opts.MinWidth = 800
	}
	if opts.MinHeight <= 0 {
		opts.MinHeight = 600
	}
	if opts.MaxSide <= 0 {
		opts.MaxSide = 1600
	}
	if opts.Quality <= 0 {
		opts.Quality = 70
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating photo directory: %w", err)
	}
	return &Processor{opts: opts, logger: slog.Default()}, nil
}

// Dir returns the artifact directory.
func (p *Processor) Dir() string { return p.opts.Dir }

// Save reads an uploaded image, checks its size and resolution, fixes the
// EXIF orientation, downsizes it and writes a JPEG. size is the size declared
// by the sender, 0 when unknown. The returned path belongs to the caller.
func (p *Processor) Save(ctx context.Context, r io.Reader, size int64) (string, error) {
	if size > p.opts.MaxBytes {
		return "", ErrTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(r, p.opts.MaxBytes+1))
	if err != nil {
		return "", fmt.Errorf("reading photo: %w", err)
	}
	if int64(len(data)) > p.opts.MaxBytes {
		return "", ErrTooLarge
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil || (format != "jpeg" && format != "png") {
		return "", ErrNotImage
	}
	if !p.bigEnough(cfg.Width, cfg.Height) {
		return "", fmt.Errorf("%w: %d×%d", ErrTooSmall, cfg.Width, cfg.Height)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	img = imaging.Fit(img, p.opts.MaxSide, p.opts.MaxSide, imaging.Lanczos)

	path := filepath.Join(p.opts.Dir, uuid.NewString()+".jpg")
	if err := imaging.Save(img, path, imaging.JPEGQuality(p.opts.Quality)); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("writing photo: %w", err)
	}
	return path, nil
}

// bigEnough compares orientation-independently: portrait shots of a
// landscape minimum are accepted.
func (p *Processor) bigEnough(w, h int) bool {
	long, short := max(w, h), min(w, h)
	minLong, minShort := max(p.opts.MinWidth, p.opts.MinHeight), min(p.opts.MinWidth, p.opts.MinHeight)
	return long >= minLong && short >= minShort
}

// Remove deletes artifacts. Missing files are ignored, other failures logged.
func (p *Processor) Remove(paths ...string) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("removing photo failed", "path", path, "error", err)
		}
	}
}
