package clock

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// safetyMargin is subtracted from every corrected timestamp. The exchange
// rejects timestamps ahead of its own clock far more aggressively than
// ones behind it, so the margin keeps corrected time on the lagging side.
const safetyMargin = time.Second

// TimeProber issues the lightweight server-time request used to measure
// the clock offset. The live gateway implements it.
type TimeProber interface {
	GetServerTime(ctx context.Context) (int64, error)
}

// Synchronizer tracks the offset between the local clock and the
// exchange's server clock. There is one per process; the gateway reads it
// on every signed request.
type Synchronizer struct {
	mu         sync.Mutex
	offsetMs   int64 // server time minus local time
	measuredAt time.Time
	synced     bool
	logger     *zap.SugaredLogger
}

func NewSynchronizer(logger *zap.SugaredLogger) *Synchronizer {
	return &Synchronizer{logger: logger}
}

// Sync measures the offset with a fresh time probe. A failed probe leaves
// the previous offset in effect; stale beats zero.
func (s *Synchronizer) Sync(ctx context.Context, prober TimeProber) error {
	serverTime, err := prober.GetServerTime(ctx)
	if err != nil {
		s.logger.Warnw("clock sync failed, keeping previous offset", "err", err)
		return err
	}
	localTime := time.Now().UnixMilli()

	s.mu.Lock()
	s.offsetMs = serverTime - localTime
	s.measuredAt = time.Now()
	s.synced = true
	offset := s.offsetMs
	s.mu.Unlock()

	s.logger.Infow("clock synchronized", "offset_ms", offset)
	return nil
}

// Offset returns the last measured offset in milliseconds and whether a
// sync has ever succeeded. Before the first sync the offset is zero.
func (s *Synchronizer) Offset() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsetMs, s.synced
}

// MeasuredAt returns when the current offset was taken.
func (s *Synchronizer) MeasuredAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.measuredAt
}

// CorrectedTimestamp returns the millisecond timestamp to stamp on an
// outbound request: local time shifted by the offset, minus the safety
// margin.
func (s *Synchronizer) CorrectedTimestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().UnixMilli() + s.offsetMs - safetyMargin.Milliseconds()
}

// AutoResync re-measures the offset on a fixed period until the context
// is cancelled. Run it in its own goroutine.
func (s *Synchronizer) AutoResync(ctx context.Context, prober TimeProber, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.Sync(ctx, prober) // failure already logged, stale offset stays
		}
	}
}
