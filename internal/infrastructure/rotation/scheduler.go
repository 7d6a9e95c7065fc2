// Package rotation periodically refreshes the shared session key material
// and notifies observers. Rotation failures are reported and audited but
// never stop the schedule.
package rotation

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/turtacn/meshsec/internal/config"
	"github.com/turtacn/meshsec/internal/domain/models"
	"github.com/turtacn/meshsec/internal/domain/service"
	"github.com/turtacn/meshsec/pkg/constants"
	"github.com/turtacn/meshsec/pkg/errors"
	"github.com/turtacn/meshsec/pkg/logger"
)

// Observer is notified after each successful rotation with the new key and
// its fingerprint. Observers run outside the scheduler's lock and must not
// block for long; the next rotation waits for no one.
type Observer func(key []byte, fingerprint string)

// Scheduler owns the current rotating key. Sessions established before a
// rotation keep their own keys; only new handshakes see the fresh material.
type Scheduler struct {
	mu          sync.Mutex
	current     []byte
	fingerprint string
	rotatedAt   time.Time
	lastStatus  string
	observers   []Observer

	serviceID string
	engine    service.CryptoEngine
	auditor   service.AuditPublisher
	interval  time.Duration
	auto      bool
	log       logger.Logger

	stopCh  chan struct{}
	stopped sync.Once
	started bool
}

// NewScheduler creates a scheduler. Call Rotate once during initialization
// to seed the first key, then Start for the periodic schedule.
func NewScheduler(
	serviceID string,
	engine service.CryptoEngine,
	auditor service.AuditPublisher,
	cfg *config.RotationConfig,
	log logger.Logger,
) *Scheduler {
	interval := constants.DefaultRotationInterval
	auto := true
	if cfg != nil {
		if cfg.Interval > 0 {
			interval = cfg.Interval
		}
		auto = cfg.AutoRotate
	}
	if log == nil {
		log = logger.NewNoopLogger()
	}

	return &Scheduler{
		serviceID: serviceID,
		engine:    engine,
		auditor:   auditor,
		interval:  interval,
		auto:      auto,
		log:       log.WithComponent("rotation"),
		stopCh:    make(chan struct{}),
	}
}

// AddObserver registers a rotation observer. Call before Start.
func (s *Scheduler) AddObserver(fn Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Rotate generates fresh key material, installs it, audits the outcome, and
// notifies observers.
func (s *Scheduler) Rotate(ctx context.Context) error {
	key, err := s.engine.GenerateSessionKey()
	if err != nil {
		s.mu.Lock()
		s.lastStatus = "failed"
		s.mu.Unlock()

		s.publish(models.NewAuditEvent(constants.AuditEventKeyRotation, s.serviceID).
			WithDetail("status", "failed").
			WithDetail("error", err.Error()))
		s.log.Error(ctx, "Key rotation failed", err)
		return errors.Wrap(err, errors.CodeInternal, "key rotation failed")
	}

	fingerprint := Fingerprint(key)

	s.mu.Lock()
	s.current = key
	s.fingerprint = fingerprint
	s.rotatedAt = time.Now()
	s.lastStatus = "success"
	observers := make([]Observer, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	s.publish(models.NewAuditEvent(constants.AuditEventKeyRotation, s.serviceID).
		WithDetail("status", "success").
		WithDetail("key_fingerprint", fingerprint))
	s.log.Info(ctx, "Key rotated",
		logger.String("key_fingerprint", fingerprint),
	)

	for _, fn := range observers {
		fn(key, fingerprint)
	}
	return nil
}

// CurrentKey returns the latest rotated key, or nil before the first
// rotation.
func (s *Scheduler) CurrentKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Status reports the last rotation time and outcome.
func (s *Scheduler) Status() (time.Time, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotatedAt, s.lastStatus
}

// Start launches the periodic rotation loop. A no-op when auto rotation is
// disabled. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || !s.auto {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.loop(ctx)
}

// Stop halts the rotation loop. Idempotent.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
}

// Fingerprint derives a short identifier from key material: the hex of its
// first 16 bytes.
func Fingerprint(key []byte) string {
	n := 16
	if len(key) < n {
		n = len(key)
	}
	return hex.EncodeToString(key[:n])
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Errors are already audited and logged; the schedule
			// continues.
			_ = s.Rotate(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) publish(event *models.AuditEvent) {
	if s.auditor != nil {
		s.auditor.Publish(event)
	}
}
