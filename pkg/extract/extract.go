// Package extract turns PDF and DOCX bytes into normalised plain text.
package extract

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"meetra/pkg/domain"
)

// ErrExtractionFailed wraps every extraction failure. None are retried.
var ErrExtractionFailed = errors.New("extraction failed")

// Result is the extracted text of one document.
type Result struct {
	Text   string
	Pages  int
	Method string
}

// Options bounds extraction work.
type Options struct {
	MaxPages     int
	MaxChars     int
	MaxXMLBytes  int64
	Timeout      time.Duration
	UsePdftotext bool
}

// Extractor dispatches on mime type.
type Extractor struct {
	opts Options
}

func New(opts Options) *Extractor {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 20
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = 200000
	}
	if opts.MaxXMLBytes <= 0 {
		opts.MaxXMLBytes = 20 << 20
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Extractor{opts: opts}
}

// Extract runs the format extractor under the configured timeout and
// enforces the page and character ceilings on its output.
func (e *Extractor) Extract(ctx context.Context, data []byte, mimeType string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			// The PDF reader panics on some malformed inputs.
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("extractor panic: %v", r)}
			}
		}()
		res, err := e.extract(ctx, data, mimeType)
		done <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: %v", ErrExtractionFailed, ctx.Err())
	case out = <-done:
	}
	if out.err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrExtractionFailed, out.err)
	}
	out.res.Text = Normalize(out.res.Text)
	if out.res.Text == "" {
		return Result{}, fmt.Errorf("%w: no extractable text", ErrExtractionFailed)
	}
	if out.res.Pages > e.opts.MaxPages {
		return Result{}, fmt.Errorf("%w: %d pages exceeds limit %d", ErrExtractionFailed, out.res.Pages, e.opts.MaxPages)
	}
	if n := utf8.RuneCountInString(out.res.Text); n > e.opts.MaxChars {
		return Result{}, fmt.Errorf("%w: %d characters exceeds limit %d", ErrExtractionFailed, n, e.opts.MaxChars)
	}
	return out.res, nil
}

func (e *Extractor) extract(ctx context.Context, data []byte, mimeType string) (Result, error) {
	switch mimeType {
	case domain.MimePDF:
		if !IsPDF(data) {
			return Result{}, errors.New("content is not a pdf")
		}
		return e.extractPDF(ctx, data)
	case domain.MimeDOCX:
		if !IsZip(data) {
			return Result{}, errors.New("content is not a docx package")
		}
		return e.extractDOCX(ctx, data)
	default:
		return Result{}, fmt.Errorf("unsupported mime type %q", mimeType)
	}
}

// IsPDF reports whether data starts with the PDF magic.
func IsPDF(data []byte) bool {
	return len(data) >= 5 && string(data[:5]) == "%PDF-"
}

// IsZip reports whether data starts with a ZIP local file header.
func IsZip(data []byte) bool {
	return len(data) >= 4 && string(data[:4]) == "PK\x03\x04"
}
