package app

import (
	"time"

	"meetra/pkg/domain"
)

// Policy holds the per-stage timeouts and retry limits.
type Policy struct {
	ScanTimeout      time.Duration
	ScanMaxAttempts  int
	ScanBackoffBase  time.Duration
	ScanBackoffMax   time.Duration
	ExtractTimeout   time.Duration
	ParseTimeout     time.Duration
	ParseMaxAttempts int
	// LeaseMargin is added to a stage's timeout to size its lease.
	LeaseMargin time.Duration
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		ScanTimeout:      30 * time.Second,
		ScanMaxAttempts:  3,
		ScanBackoffBase:  500 * time.Millisecond,
		ScanBackoffMax:   5 * time.Second,
		ExtractTimeout:   60 * time.Second,
		ParseTimeout:     30 * time.Second,
		ParseMaxAttempts: 2,
		LeaseMargin:      30 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.ScanTimeout <= 0 {
		p.ScanTimeout = d.ScanTimeout
	}
	if p.ScanMaxAttempts <= 0 {
		p.ScanMaxAttempts = d.ScanMaxAttempts
	}
	if p.ScanBackoffBase <= 0 {
		p.ScanBackoffBase = d.ScanBackoffBase
	}
	if p.ScanBackoffMax <= 0 {
		p.ScanBackoffMax = d.ScanBackoffMax
	}
	if p.ExtractTimeout <= 0 {
		p.ExtractTimeout = d.ExtractTimeout
	}
	if p.ParseTimeout <= 0 {
		p.ParseTimeout = d.ParseTimeout
	}
	if p.ParseMaxAttempts <= 0 {
		p.ParseMaxAttempts = d.ParseMaxAttempts
	}
	if p.LeaseMargin <= 0 {
		p.LeaseMargin = d.LeaseMargin
	}
	return p
}

// scanBackoff is the wait before scan attempt n+1 after n failed attempts.
func (p Policy) scanBackoff(failed int) time.Duration {
	d := p.ScanBackoffBase
	for i := 1; i < failed; i++ {
		d *= 2
		if d >= p.ScanBackoffMax {
			return p.ScanBackoffMax
		}
	}
	if d > p.ScanBackoffMax {
		return p.ScanBackoffMax
	}
	return d
}

// leaseTTL covers one stage run from state. Scan leases are extended before
// every attempt, so they only need to cover one attempt plus its backoff.
func (p Policy) leaseTTL(state domain.ResumeState) time.Duration {
	switch state {
	case domain.StateUploaded, domain.StateScanning:
		return p.ScanTimeout + p.ScanBackoffMax + p.LeaseMargin
	case domain.StateScanned:
		return p.ExtractTimeout + p.LeaseMargin
	default:
		return time.Duration(p.ParseMaxAttempts)*p.ParseTimeout + p.ExtractTimeout + p.LeaseMargin
	}
}

// exhaustedCode names the failure recorded when the queue gives up on a
// resume stuck in state.
func exhaustedCode(state domain.ResumeState) domain.ErrorCode {
	switch state {
	case domain.StateUploaded, domain.StateScanning:
		return domain.CodeScanUnavailable
	case domain.StateScanned, domain.StateExtracting:
		return domain.CodeExtractionFailed
	default:
		return domain.CodeParsingFailed
	}
}

// MaxLeaseTTL is the longest lease any stage takes. Queue redelivery of an
// idle message must wait longer than this so a reclaimed job never meets the
// lease of the worker that died holding it.
func (p Policy) MaxLeaseTTL() time.Duration {
	p = p.withDefaults()
	longest := time.Duration(0)
	for _, s := range []domain.ResumeState{domain.StateScanning, domain.StateScanned, domain.StateParsing} {
		if ttl := p.leaseTTL(s); ttl > longest {
			longest = ttl
		}
	}
	return longest
}
