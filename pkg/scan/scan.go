// Package scan decides whether uploaded bytes are safe to process.
package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnavailable marks transient scanner failures. Callers retry these.
var ErrUnavailable = errors.New("scanner unavailable")

// Verdict is the outcome of one scan.
type Verdict struct {
	Clean  bool
	Reason string
	Engine string
}

// Clean returns a passing verdict.
func Clean(engine string) Verdict { return Verdict{Clean: true, Engine: engine} }

// Rejected returns a failing verdict with reason.
func Rejected(engine, reason string) Verdict {
	return Verdict{Clean: false, Reason: reason, Engine: engine}
}

// Scanner inspects bytes. Implementations are deterministic for identical
// input and never modify storage.
type Scanner interface {
	Scan(ctx context.Context, data []byte) (Verdict, error)
}

// TokenSigner issues bearer tokens for the remote scanner.
type TokenSigner interface {
	Sign(audience string) (string, error)
}

// Backend names accepted by New.
const (
	BackendSignature = "signature"
	BackendClamd     = "clamd"
	BackendHTTP      = "http"
)

// Config selects and configures a scanner backend.
type Config struct {
	Backend       string
	ClamdAddr     string
	HTTPURL       string
	HTTPAudience  string
	Timeout       time.Duration
	Signer        TokenSigner
	MaxExpanded   int64
	MaxRatio      float64
	MaxZipEntries int
}

// New builds the scanner named by cfg.Backend.
func New(cfg Config) (Scanner, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case BackendSignature, "":
		return NewSignatureScanner(SignatureOptions{
			MaxExpandedBytes: cfg.MaxExpanded,
			MaxRatio:         cfg.MaxRatio,
			MaxEntries:       cfg.MaxZipEntries,
		}), nil
	case BackendClamd:
		return NewClamdScanner(cfg.ClamdAddr, cfg.Timeout)
	case BackendHTTP:
		return NewHTTPScanner(HTTPOptions{
			URL:      cfg.HTTPURL,
			Audience: cfg.HTTPAudience,
			Timeout:  cfg.Timeout,
			Signer:   cfg.Signer,
		})
	default:
		return nil, fmt.Errorf("unknown scanner backend %q", cfg.Backend)
	}
}

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnavailable, fmt.Sprintf(format, args...))
}
