// Package wifi scans for Wi-Fi networks the device can be provisioned onto.
package wifi

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mjasion/vitalsync/companion/notice"
	"github.com/mjasion/vitalsync/pkg/telemetry"
	"github.com/mjasion/vitalsync/pkg/types"
)

// ErrThrottled is returned by a Transport when the platform refuses to scan again so soon
var ErrThrottled = errors.New("wifi scan throttled")

// Transport is the platform Wi-Fi collaborator
type Transport interface {
	IsEnabled(ctx context.Context) (bool, error)
	Scan(ctx context.Context) ([]types.ScannedNetwork, error)
}

// ScanError is a failed scan, either ScanThrottled or ScanFailed
type ScanError struct {
	kind notice.Kind
	err  error
}

func (e *ScanError) Error() string {
	if e.err == nil {
		return string(e.kind)
	}
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

func (e *ScanError) Unwrap() error { return e.err }

// Kind is notice.ScanThrottled or notice.ScanFailed
func (e *ScanError) Kind() notice.Kind { return e.kind }

// Notice returns the dismissible notice for the failure
func (e *ScanError) Notice() notice.Notice { return notice.For(e.kind, "") }

// Scanner wraps a Transport with local throttling and mandatory post-processing
type Scanner struct {
	transport   Transport
	limiter     *rate.Limiter
	logger      *zap.Logger
	instruments *telemetry.Instruments
}

// NewScanner creates a scanner. minInterval > 0 rejects scans that come sooner than that
// after the previous one, before they reach the platform.
func NewScanner(transport Transport, minInterval time.Duration, logger *zap.Logger, instruments *telemetry.Instruments) *Scanner {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if minInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(minInterval), 1)
	}
	return &Scanner{
		transport:   transport,
		limiter:     limiter,
		logger:      logger,
		instruments: instruments,
	}
}

// Scan runs one platform scan and returns the networks deduplicated by SSID,
// strongest first. No networks is an empty, non-nil slice and a nil error.
func (s *Scanner) Scan(ctx context.Context) ([]types.ScannedNetwork, error) {
	if !s.limiter.Allow() {
		s.logger.Info("wifi scan rejected by local throttle")
		s.instruments.Scan(ctx, "throttled")
		return nil, &ScanError{kind: notice.ScanThrottled}
	}

	raw, err := s.transport.Scan(ctx)
	if err != nil {
		if errors.Is(err, ErrThrottled) {
			s.logger.Info("wifi scan throttled by platform", zap.Error(err))
			s.instruments.Scan(ctx, "throttled")
			return nil, &ScanError{kind: notice.ScanThrottled, err: err}
		}
		s.logger.Error("wifi scan failed", zap.Error(err))
		s.instruments.Scan(ctx, "failed")
		return nil, &ScanError{kind: notice.ScanFailed, err: err}
	}

	networks := Dedupe(raw)
	s.logger.Debug("wifi scan complete",
		zap.Int("raw_results", len(raw)),
		zap.Int("networks", len(networks)),
	)
	s.instruments.Scan(ctx, "ok")
	return networks, nil
}

// Dedupe groups networks by SSID keeping the one with the higher level, then sorts
// by level descending. A missing level ranks lowest. Equal levels are ordered by
// quality, then by SSID.
// Entries without an SSID (hidden networks) are dropped.
func Dedupe(networks []types.ScannedNetwork) []types.ScannedNetwork {
	best := make(map[string]int, len(networks))
	out := make([]types.ScannedNetwork, 0, len(networks))

	for _, n := range networks {
		if n.SSID == "" {
			continue
		}
		idx, seen := best[n.SSID]
		if !seen {
			best[n.SSID] = len(out)
			out = append(out, n)
			continue
		}
		if n.CompareSignal(out[idx]) > 0 {
			out[idx] = n
		}
	}

	slices.SortStableFunc(out, func(a, b types.ScannedNetwork) int {
		if c := b.CompareSignal(a); c != 0 {
			return c
		}
		return cmp.Compare(a.SSID, b.SSID)
	})
	return out
}
