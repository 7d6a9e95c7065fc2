// Package service hosts the mesh orchestrator: it composes the key store,
// crypto engine, auth, session ledger, resilience stack, directory, health
// monitor, and rotation scheduler behind the connect/call surface, and runs
// the handshake and data-message protocol on the receiving side.
package service

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/turtacn/meshsec/internal/config"
	"github.com/turtacn/meshsec/internal/domain/models"
	"github.com/turtacn/meshsec/internal/domain/service"
	"github.com/turtacn/meshsec/internal/infrastructure/auth"
	"github.com/turtacn/meshsec/internal/infrastructure/health"
	"github.com/turtacn/meshsec/internal/infrastructure/monitoring"
	"github.com/turtacn/meshsec/internal/infrastructure/resilience"
	"github.com/turtacn/meshsec/internal/infrastructure/rotation"
	"github.com/turtacn/meshsec/pkg/constants"
	"github.com/turtacn/meshsec/pkg/errors"
	"github.com/turtacn/meshsec/pkg/logger"
)

// Handler processes one decrypted inbound call and returns the response
// payload.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Deps are the injected collaborators of a MeshService. Everything else
// (auth, resilience, health, rotation) is built internally from config.
type Deps struct {
	KeyStore  service.KeyStore
	Engine    service.CryptoEngine
	Ledger    service.SessionLedger
	Directory service.Directory
	Limiter   service.RateLimiter
	Auditor   service.AuditPublisher
	Transport service.Transport
	Metrics   *monitoring.Metrics
	Tracing   *monitoring.TracingManager
	Logger    logger.Logger
}

// MeshService is one mesh node. All mutable registries (sessions, breaker
// records, directory entries) are owned by this instance; nothing is shared
// across processes.
type MeshService struct {
	cfg *config.Config
	log logger.Logger

	keyStore  service.KeyStore
	engine    service.CryptoEngine
	tokens    service.TokenService
	ledger    service.SessionLedger
	directory service.Directory
	auditor   service.AuditPublisher
	transport service.Transport
	metrics   *monitoring.Metrics
	tracing   *monitoring.TracingManager

	executor *resilience.Executor
	monitor  *health.Monitor
	rotator  *rotation.Scheduler

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	mu          sync.Mutex
	initialized bool
	cleaned     bool

	connectionsTotal atomic.Int64
	messagesTotal    atomic.Int64
	failuresTotal    atomic.Int64
	rlAllowed        atomic.Int64
	rlBlocked        atomic.Int64
	latencyNanos     atomic.Int64
	latencyCount     atomic.Int64
}

// NewMeshService assembles a mesh node from config and its injected
// collaborators.
func NewMeshService(cfg *config.Config, deps Deps) (*MeshService, error) {
	if cfg == nil {
		return nil, errors.ErrInvalidArgument("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewNoopLogger()
	}

	m := &MeshService{
		cfg:       cfg,
		log:       log.WithComponent("mesh"),
		keyStore:  deps.KeyStore,
		engine:    deps.Engine,
		ledger:    deps.Ledger,
		directory: deps.Directory,
		auditor:   deps.Auditor,
		transport: deps.Transport,
		metrics:   deps.Metrics,
		tracing:   deps.Tracing,
		handlers:  make(map[string]Handler),
	}

	m.tokens = auth.NewTokenService(
		cfg.Service.ID,
		deps.KeyStore,
		directoryResolver{deps.Directory},
		cfg.Token.TTL,
		log,
	)

	breaker := resilience.NewBreaker(&cfg.Breaker, log)
	breaker.OnStateChange(m.onBreakerTransition)
	retrier := resilience.NewRetrier(&cfg.Retry, log)
	m.executor = resilience.NewExecutor(
		&countingLimiter{inner: deps.Limiter, svc: m},
		breaker,
		retrier,
		&cfg.Retry,
		log,
	)

	m.monitor = health.NewMonitor(&cfg.Health, log)
	m.monitor.OnReport(func(report *models.HealthReport) {
		_ = m.directory.UpdateHealth(cfg.Service.ID, report.Status)
	})

	m.rotator = rotation.NewScheduler(cfg.Service.ID, deps.Engine, deps.Auditor, &cfg.Rotation, log)
	if deps.Metrics != nil {
		m.rotator.AddObserver(func(_ []byte, _ string) {
			deps.Metrics.RecordKeyRotation(true)
		})
	}

	return m, nil
}

// RegisterHandler binds a method name to an inbound call handler. Call
// before traffic arrives; re-registering a method replaces it.
func (m *MeshService) RegisterHandler(method string, h Handler) {
	m.handlersMu.Lock()
	m.handlers[method] = h
	m.handlersMu.Unlock()
}

// Initialize loads or generates the local key pair, self-registers in the
// directory, seeds the rotating key, and starts the background monitors.
func (m *MeshService) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}

	pair, err := m.keyStore.Ensure(ctx, m.cfg.Service.ID, m.cfg.Crypto.RSAKeyBits)
	if err != nil {
		return err
	}
	if err := m.engine.LoadKeyPair(pair); err != nil {
		return err
	}

	if err := m.directory.Register(&models.ServiceDescriptor{
		ID:        m.cfg.Service.ID,
		Host:      m.cfg.Service.Host,
		Port:      m.cfg.Service.Port,
		PublicKey: pair.PublicKey,
		Status:    constants.HealthStatusHealthy,
	}); err != nil {
		return err
	}

	if err := m.rotator.Rotate(ctx); err != nil {
		return err
	}

	m.monitor.RegisterCheck("keystore", func(ctx context.Context) error {
		_, err := m.keyStore.Load(ctx, m.cfg.Service.ID)
		return err
	})
	m.monitor.RegisterCheck("crypto_engine", func(_ context.Context) error {
		_, err := m.engine.PublicKeyPEM()
		return err
	})
	m.monitor.Start(ctx)
	m.rotator.Start(ctx)

	m.initialized = true
	m.log.Info(ctx, "Mesh service initialized",
		logger.String("service_id", m.cfg.Service.ID),
	)
	return nil
}

// Connect resolves the peer and returns a connection handle. The handshake
// is deferred to the first Call so a Connect against a known-but-idle peer
// is cheap.
func (m *MeshService) Connect(peerID string) (*PeerConnection, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	if _, err := m.directory.Get(peerID); err != nil {
		return nil, err
	}
	return &PeerConnection{svc: m, peerID: peerID}, nil
}

// HandleHandshake is the responder side of the handshake: verify the
// caller's token, record its public key, mint a session, and return the
// session key wrapped with the caller's key.
func (m *MeshService) HandleHandshake(ctx context.Context, req *models.HandshakeRequest) (*models.HandshakeResponse, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	if req == nil || req.ServiceID == "" || req.PublicKey == "" {
		return nil, errors.ErrInvalidArgument("handshake request is incomplete")
	}

	if _, err := m.verifyHandshakeToken(ctx, req); err != nil {
		m.failuresTotal.Add(1)
		m.publishAudit(models.NewAuditEvent(constants.AuditEventError, m.cfg.Service.ID).
			WithTarget(req.ServiceID).
			WithDetail("stage", "handshake_auth").
			WithDetail("error", err.Error()))
		if m.metrics != nil {
			m.metrics.RecordConnection(req.ServiceID, false)
		}
		return nil, err
	}

	m.upsertPeer(req.ServiceID, req.PublicKey)

	sessionKey, err := m.engine.GenerateSessionKey()
	if err != nil {
		return nil, err
	}
	wrapped, err := m.engine.WrapKey(ctx, sessionKey, req.PublicKey)
	if err != nil {
		return nil, err
	}

	session := m.ledger.Create(req.ServiceID, sessionKey, nil)

	m.connectionsTotal.Add(1)
	if m.metrics != nil {
		m.metrics.RecordConnection(req.ServiceID, true)
		m.metrics.SetActiveSessions(m.ledger.Len())
	}
	m.publishAudit(models.NewAuditEvent(constants.AuditEventConnection, m.cfg.Service.ID).
		WithTarget(req.ServiceID).
		WithDetail("session_id", session.ID).
		WithDetail("role", "responder"))

	return &models.HandshakeResponse{
		SessionID:           session.ID,
		EncryptedSessionKey: base64.StdEncoding.EncodeToString(wrapped),
	}, nil
}

// HandleMessage is the responder side of a data-channel call: look up the
// session, decrypt, dispatch to the registered handler, encrypt the reply.
func (m *MeshService) HandleMessage(ctx context.Context, msg *models.DataMessage) (*models.DataMessage, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	if msg == nil || msg.SessionID == "" {
		return nil, errors.ErrInvalidArgument("data message is incomplete")
	}

	session, ok := m.ledger.Get(msg.SessionID)
	if !ok {
		return nil, errors.ErrSessionNotFound(msg.SessionID)
	}

	envelope, err := envelopeFromMessage(msg)
	if err != nil {
		return nil, err
	}
	payload, err := m.engine.DecryptWithSessionKey(session.SessionKey, envelope)
	if err != nil {
		m.failuresTotal.Add(1)
		m.publishAudit(models.NewAuditEvent(constants.AuditEventError, m.cfg.Service.ID).
			WithTarget(session.PeerServiceID).
			WithDetail("stage", "message_decrypt").
			WithDetail("session_id", session.ID))
		return nil, err
	}

	handler, ok := m.handler(msg.Method)
	if !ok {
		return nil, errors.ErrInvalidArgument("no handler for method %q", msg.Method)
	}
	result, err := handler(ctx, payload)
	if err != nil {
		return nil, err
	}

	respEnvelope, err := m.engine.EncryptWithSessionKey(session.SessionKey, result)
	if err != nil {
		return nil, err
	}

	m.messagesTotal.Add(1)
	m.publishAudit(models.NewAuditEvent(constants.AuditEventMessage, m.cfg.Service.ID).
		WithTarget(session.PeerServiceID).
		WithDetail("session_id", session.ID).
		WithDetail("method", msg.Method).
		WithDetail("role", "responder"))

	return messageFromEnvelope(session.ID, "", respEnvelope), nil
}

// HealthCheck runs all registered checks and returns the aggregate report.
func (m *MeshService) HealthCheck(ctx context.Context) (*models.HealthReport, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	return m.monitor.RunChecks(ctx), nil
}

// Stats returns a read-only snapshot of the node's counters.
func (m *MeshService) Stats() *models.MeshStats {
	var avg time.Duration
	if n := m.latencyCount.Load(); n > 0 {
		avg = time.Duration(m.latencyNanos.Load() / n)
	}
	rotatedAt, rotationStatus := m.rotator.Status()

	return &models.MeshStats{
		ServiceID:          m.cfg.Service.ID,
		ActiveSessions:     len(m.ledger.Snapshot()),
		KnownPeers:         len(m.directory.List()),
		ConnectionsTotal:   m.connectionsTotal.Load(),
		MessagesTotal:      m.messagesTotal.Load(),
		FailuresTotal:      m.failuresTotal.Load(),
		RateLimitAllowed:   m.rlAllowed.Load(),
		RateLimitBlocked:   m.rlBlocked.Load(),
		BreakerStates:      m.executor.Breaker().States(),
		AvgCallLatency:     avg,
		LastRotationAt:     rotatedAt,
		LastRotationStatus: rotationStatus,
	}
}

// Cleanup stops the background loops and invalidates all live sessions.
// Idempotent.
func (m *MeshService) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cleaned {
		return nil
	}
	m.cleaned = true

	m.monitor.Stop()
	m.rotator.Stop()

	for _, s := range m.ledger.Snapshot() {
		m.ledger.Invalidate(s.ID)
	}
	m.ledger.Close()

	m.log.Info(ctx, "Mesh service cleaned up",
		logger.String("service_id", m.cfg.Service.ID),
	)
	return nil
}

// call runs one resilience-wrapped outbound call, performing the handshake
// first when no live session exists.
func (m *MeshService) call(ctx context.Context, peerID, method string, payload []byte) ([]byte, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}

	if m.tracing != nil {
		var span trace.Span
		ctx, span = m.tracing.StartSpan(ctx, "mesh.call."+method, peerID)
		defer span.End()
	}

	start := time.Now()
	var response []byte
	err := m.executor.Execute(ctx, peerID, "call:"+method, func(ctx context.Context) error {
		session, err := m.ensureSession(ctx, peerID)
		if err != nil {
			return err
		}

		envelope, err := m.engine.EncryptWithSessionKey(session.SessionKey, payload)
		if err != nil {
			return err
		}

		peer, err := m.directory.Get(peerID)
		if err != nil {
			return err
		}
		reply, err := m.transport.SendMessage(ctx, peer, messageFromEnvelope(session.ID, method, envelope))
		if err != nil {
			if errors.IsCode(err, errors.CodeSessionNotFound) {
				// The peer lost the session; drop ours so the next
				// attempt re-handshakes.
				m.ledger.Invalidate(session.ID)
			}
			return err
		}

		replyEnvelope, err := envelopeFromMessage(reply)
		if err != nil {
			return err
		}
		response, err = m.engine.DecryptWithSessionKey(session.SessionKey, replyEnvelope)
		return err
	})

	elapsed := time.Since(start)
	m.latencyNanos.Add(int64(elapsed))
	m.latencyCount.Add(1)
	if m.metrics != nil {
		m.metrics.RecordMessage(peerID, method, err == nil, elapsed)
	}

	if err != nil {
		m.failuresTotal.Add(1)
		return nil, err
	}

	m.messagesTotal.Add(1)
	m.publishAudit(models.NewAuditEvent(constants.AuditEventMessage, m.cfg.Service.ID).
		WithTarget(peerID).
		WithDetail("method", method).
		WithDetail("role", "caller"))
	return response, nil
}

// ensureSession returns the live session for peerID, performing a handshake
// when none exists.
func (m *MeshService) ensureSession(ctx context.Context, peerID string) (*models.Session, error) {
	if session, ok := m.ledger.FindByPeer(peerID); ok {
		return session, nil
	}

	peer, err := m.directory.Get(peerID)
	if err != nil {
		return nil, err
	}
	publicKeyPEM, err := m.engine.PublicKeyPEM()
	if err != nil {
		return nil, err
	}
	token, err := m.tokens.Issue(ctx, peerID, m.cfg.Token.TTL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := m.transport.SendHandshake(ctx, peer, &models.HandshakeRequest{
		ServiceID: m.cfg.Service.ID,
		PublicKey: publicKeyPEM,
		AuthToken: token,
	})
	if err != nil {
		m.publishAudit(models.NewAuditEvent(constants.AuditEventError, m.cfg.Service.ID).
			WithTarget(peerID).
			WithDetail("stage", "handshake").
			WithDetail("error", err.Error()))
		if m.metrics != nil {
			m.metrics.RecordConnection(peerID, false)
		}
		return nil, err
	}

	wrapped, err := base64.StdEncoding.DecodeString(resp.EncryptedSessionKey)
	if err != nil {
		return nil, errors.ErrAuth("handshake response key is not valid base64").WithCause(err)
	}
	sessionKey, err := m.engine.UnwrapKey(ctx, wrapped)
	if err != nil {
		return nil, err
	}

	session := m.ledger.Adopt(resp.SessionID, peerID, sessionKey, nil)

	m.connectionsTotal.Add(1)
	if m.metrics != nil {
		m.metrics.RecordConnection(peerID, true)
		m.metrics.SetActiveSessions(m.ledger.Len())
	}
	m.publishAudit(models.NewAuditEvent(constants.AuditEventConnection, m.cfg.Service.ID).
		WithTarget(peerID).
		WithDetail("session_id", session.ID).
		WithDetail("role", "caller"))
	return session, nil
}

// verifyHandshakeToken verifies the caller's token. A caller with a key on
// record is checked against that key only: a pinned key is authoritative, so
// a token that fails under it is rejected even if it verifies under the key
// presented in the request. Only an issuer with no key on record is checked
// against the presented key (trust on first use).
func (m *MeshService) verifyHandshakeToken(ctx context.Context, req *models.HandshakeRequest) (*models.TokenPayload, error) {
	if peer, err := m.directory.Get(req.ServiceID); err == nil && peer.PublicKey != "" {
		return m.tokens.Verify(ctx, req.AuthToken, req.ServiceID)
	}

	// First contact: the token must verify under the presented key,
	// proving the caller holds the matching private key. The key is pinned
	// only after that.
	verifier := auth.NewTokenService(
		m.cfg.Service.ID,
		m.keyStore,
		staticResolver{serviceID: req.ServiceID, publicKeyPEM: req.PublicKey},
		m.cfg.Token.TTL,
		m.log,
	)
	return verifier.Verify(ctx, req.AuthToken, req.ServiceID)
}

// upsertPeer records a peer seen during a handshake. A key already pinned in
// the directory is never overwritten here; rotating an identity key requires
// explicit re-registration.
func (m *MeshService) upsertPeer(peerID, publicKeyPEM string) {
	existing, err := m.directory.Get(peerID)
	if err == nil {
		if existing.PublicKey == "" {
			existing.PublicKey = publicKeyPEM
			_ = m.directory.Register(existing)
		}
		return
	}
	_ = m.directory.Register(&models.ServiceDescriptor{
		ID:        peerID,
		PublicKey: publicKeyPEM,
		Status:    constants.HealthStatusUnknown,
	})
}

func (m *MeshService) onBreakerTransition(target string, from, to constants.BreakerState) {
	if m.metrics != nil {
		m.metrics.RecordBreakerState(target, to)
	}
	m.publishAudit(models.NewAuditEvent(constants.AuditEventCircuitBreaker, m.cfg.Service.ID).
		WithTarget(target).
		WithDetail("from", string(from)).
		WithDetail("to", string(to)))
}

func (m *MeshService) handler(method string) (Handler, bool) {
	m.handlersMu.RLock()
	defer m.handlersMu.RUnlock()
	h, ok := m.handlers[method]
	return h, ok
}

func (m *MeshService) requireInitialized() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized || m.cleaned {
		return errors.ErrNotInitialized("mesh service")
	}
	return nil
}

func (m *MeshService) publishAudit(event *models.AuditEvent) {
	if m.auditor != nil {
		m.auditor.Publish(event)
	}
}

// PeerConnection is a lightweight handle for calls to one peer. Safe for
// concurrent use; all state lives in the MeshService.
type PeerConnection struct {
	svc    *MeshService
	peerID string
}

// Call sends one encrypted request to the peer and returns the decrypted
// response.
func (c *PeerConnection) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	return c.svc.call(ctx, c.peerID, method, payload)
}

// PeerID returns the connected peer's service id.
func (c *PeerConnection) PeerID() string {
	return c.peerID
}

// countingLimiter decorates the rate limiter with stats, metrics, and audit
// emission.
type countingLimiter struct {
	inner service.RateLimiter
	svc   *MeshService
}

func (c *countingLimiter) Check(ctx context.Context, key string) (*models.RateLimitResult, error) {
	result, err := c.inner.Check(ctx, key)
	if err != nil {
		return nil, err
	}
	if c.svc.metrics != nil {
		c.svc.metrics.RecordRateLimit(result.Allowed)
	}
	if result.Allowed {
		c.svc.rlAllowed.Add(1)
	} else {
		c.svc.rlBlocked.Add(1)
		c.svc.publishAudit(models.NewAuditEvent(constants.AuditEventRateLimit, c.svc.cfg.Service.ID).
			WithTarget(key).
			WithDetail("retry_after", result.RetryAfter.String()))
	}
	return result, nil
}

func (c *countingLimiter) Close() error {
	return c.inner.Close()
}

// directoryResolver resolves issuer public keys from the directory.
type directoryResolver struct {
	directory service.Directory
}

func (r directoryResolver) ResolvePublicKey(_ context.Context, serviceID string) (string, error) {
	peer, err := r.directory.Get(serviceID)
	if err != nil {
		return "", err
	}
	if peer.PublicKey == "" {
		return "", errors.ErrAuth("no public key on record for %s", serviceID)
	}
	return peer.PublicKey, nil
}

// staticResolver pins one service id to one public key, for verifying a
// handshake token against the key presented in the same request.
type staticResolver struct {
	serviceID    string
	publicKeyPEM string
}

func (r staticResolver) ResolvePublicKey(_ context.Context, serviceID string) (string, error) {
	if serviceID != r.serviceID {
		return "", errors.ErrAuth("unexpected issuer %s", serviceID)
	}
	return r.publicKeyPEM, nil
}

func envelopeFromMessage(msg *models.DataMessage) (*models.EncryptedEnvelope, error) {
	data, err := base64.StdEncoding.DecodeString(msg.EncryptedData)
	if err != nil {
		return nil, errors.ErrInvalidArgument("encrypted_data is not valid base64")
	}
	iv, err := base64.StdEncoding.DecodeString(msg.IV)
	if err != nil {
		return nil, errors.ErrInvalidArgument("iv is not valid base64")
	}
	tag, err := base64.StdEncoding.DecodeString(msg.AuthTag)
	if err != nil {
		return nil, errors.ErrInvalidArgument("auth_tag is not valid base64")
	}
	return &models.EncryptedEnvelope{
		EncryptedData: data,
		IV:            iv,
		AuthTag:       tag,
	}, nil
}

func messageFromEnvelope(sessionID, method string, envelope *models.EncryptedEnvelope) *models.DataMessage {
	return &models.DataMessage{
		SessionID:     sessionID,
		Method:        method,
		EncryptedData: base64.StdEncoding.EncodeToString(envelope.EncryptedData),
		IV:            base64.StdEncoding.EncodeToString(envelope.IV),
		AuthTag:       base64.StdEncoding.EncodeToString(envelope.AuthTag),
	}
}
