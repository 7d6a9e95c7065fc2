package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/meshsec/internal/config"
	"github.com/turtacn/meshsec/internal/domain/models"
	"github.com/turtacn/meshsec/internal/domain/service"
	"github.com/turtacn/meshsec/internal/infrastructure/auth"
	"github.com/turtacn/meshsec/internal/infrastructure/crypto"
	"github.com/turtacn/meshsec/internal/infrastructure/directory"
	"github.com/turtacn/meshsec/internal/infrastructure/keystore"
	"github.com/turtacn/meshsec/internal/infrastructure/ratelimit"
	"github.com/turtacn/meshsec/internal/infrastructure/session"
	"github.com/turtacn/meshsec/pkg/constants"
	"github.com/turtacn/meshsec/pkg/errors"
	"github.com/turtacn/meshsec/pkg/logger"
)

// memoryAuditor collects events for assertions.
type memoryAuditor struct {
	mu     sync.Mutex
	events []*models.AuditEvent
}

func (a *memoryAuditor) Publish(event *models.AuditEvent) {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
}

func (a *memoryAuditor) ofType(t constants.AuditEventType) []*models.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*models.AuditEvent
	for _, e := range a.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

// node bundles one mesh service with the collaborators the tests inspect.
type node struct {
	svc     *MeshService
	ledger  service.SessionLedger
	dir     service.Directory
	engine  service.CryptoEngine
	auditor *memoryAuditor
}

func newNode(t *testing.T, network *InProcessNetwork, id string) *node {
	t.Helper()
	log := logger.NewNoopLogger()

	cfg := config.Default()
	cfg.Service.ID = id

	engine, err := crypto.NewEngine(&cfg.Crypto, log)
	require.NoError(t, err)

	ledger := session.NewLedger(cfg.Session.TTL, cfg.Session.SweepInterval, log)
	t.Cleanup(ledger.Close)

	auditor := &memoryAuditor{}
	svc, err := NewMeshService(cfg, Deps{
		KeyStore:  keystore.NewMemoryStore(log),
		Engine:    engine,
		Ledger:    ledger,
		Directory: directory.NewRegistry(log),
		Limiter:   ratelimit.NewFixedWindowLimiter(&cfg.RateLimit, log),
		Auditor:   auditor,
		Transport: network,
		Logger:    log,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Cleanup(context.Background()) })

	network.Join(id, svc)
	return &node{svc: svc, ledger: ledger, dir: svc.directory, engine: engine, auditor: auditor}
}

// newMeshPair initializes two nodes where A knows B's address and key.
func newMeshPair(t *testing.T) (*node, *node) {
	t.Helper()
	ctx := context.Background()
	network := NewInProcessNetwork()

	a := newNode(t, network, "service-a")
	b := newNode(t, network, "service-b")
	require.NoError(t, a.svc.Initialize(ctx))
	require.NoError(t, b.svc.Initialize(ctx))

	bKey, err := b.engine.PublicKeyPEM()
	require.NoError(t, err)
	require.NoError(t, a.dir.Register(&models.ServiceDescriptor{
		ID:        "service-b",
		PublicKey: bKey,
	}))
	return a, b
}

func TestMesh_EndToEndEcho(t *testing.T) {
	a, b := newMeshPair(t)
	ctx := context.Background()

	b.svc.RegisterHandler("echo", func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})

	conn, err := a.svc.Connect("service-b")
	require.NoError(t, err)

	reply, err := conn.Call(ctx, "echo", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), reply)

	// Both ledgers hold the session under the same id.
	aSession, ok := a.ledger.FindByPeer("service-b")
	require.True(t, ok)
	bSession, ok := b.ledger.FindByPeer("service-a")
	require.True(t, ok)
	assert.Equal(t, aSession.ID, bSession.ID)
	assert.Equal(t, aSession.SessionKey, bSession.SessionKey)
}

func TestMesh_SessionIsReusedAcrossCalls(t *testing.T) {
	a, b := newMeshPair(t)
	ctx := context.Background()

	b.svc.RegisterHandler("echo", func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})

	conn, err := a.svc.Connect("service-b")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := conn.Call(ctx, "echo", []byte("ping"))
		require.NoError(t, err)
	}

	// One handshake, three messages.
	stats := a.svc.Stats()
	assert.Equal(t, int64(1), stats.ConnectionsTotal)
	assert.Equal(t, int64(3), stats.MessagesTotal)
	assert.Equal(t, 1, stats.ActiveSessions)
}

func TestMesh_LostPeerSessionTriggersRehandshake(t *testing.T) {
	a, b := newMeshPair(t)
	ctx := context.Background()

	b.svc.RegisterHandler("echo", func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})

	conn, err := a.svc.Connect("service-b")
	require.NoError(t, err)
	_, err = conn.Call(ctx, "echo", []byte("one"))
	require.NoError(t, err)

	// B forgets the session; A's next call fails, drops its stale copy,
	// and the one after re-handshakes cleanly.
	bSession, ok := b.ledger.FindByPeer("service-a")
	require.True(t, ok)
	require.True(t, b.ledger.Invalidate(bSession.ID))

	_, err = conn.Call(ctx, "echo", []byte("two"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeSessionNotFound))

	reply, err := conn.Call(ctx, "echo", []byte("three"))
	require.NoError(t, err)
	assert.Equal(t, []byte("three"), reply)
	assert.Equal(t, int64(2), a.svc.Stats().ConnectionsTotal)
}

func TestMesh_ConnectUnknownPeerFails(t *testing.T) {
	a, _ := newMeshPair(t)

	_, err := a.svc.Connect("service-x")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodePeerUnavailable))
}

func TestMesh_HandshakeRejectsBadToken(t *testing.T) {
	a, b := newMeshPair(t)
	ctx := context.Background()

	aKey, err := a.engine.PublicKeyPEM()
	require.NoError(t, err)

	_, err = b.svc.HandleHandshake(ctx, &models.HandshakeRequest{
		ServiceID: "service-a",
		PublicKey: aKey,
		AuthToken: "not-a-token",
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeAuth))

	// The rejection left an error audit trail and no session.
	assert.NotEmpty(t, b.auditor.ofType(constants.AuditEventError))
	_, ok := b.ledger.FindByPeer("service-a")
	assert.False(t, ok)
}

func TestMesh_HandshakeRejectsMisaudiencedToken(t *testing.T) {
	network := NewInProcessNetwork()
	ctx := context.Background()

	a := newNode(t, network, "service-a")
	b := newNode(t, network, "service-b")
	c := newNode(t, network, "service-c")
	require.NoError(t, a.svc.Initialize(ctx))
	require.NoError(t, b.svc.Initialize(ctx))
	require.NoError(t, c.svc.Initialize(ctx))

	// A issues a token audienced to B, then presents it to C.
	token, err := a.svc.tokens.Issue(ctx, "service-b", 0, nil)
	require.NoError(t, err)
	aKey, err := a.engine.PublicKeyPEM()
	require.NoError(t, err)

	_, err = c.svc.HandleHandshake(ctx, &models.HandshakeRequest{
		ServiceID: "service-a",
		PublicKey: aKey,
		AuthToken: token,
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeAuth))
}

func TestMesh_HandshakeRejectsImpostorOfPinnedPeer(t *testing.T) {
	a, b := newMeshPair(t)
	ctx := context.Background()

	b.svc.RegisterHandler("echo", func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})

	// A legitimate call pins A's key in B's directory.
	conn, err := a.svc.Connect("service-b")
	require.NoError(t, err)
	_, err = conn.Call(ctx, "echo", []byte("hi"))
	require.NoError(t, err)

	pinned, err := b.dir.Get("service-a")
	require.NoError(t, err)
	require.NotEmpty(t, pinned.PublicKey)

	// An impostor with its own key pair claims A's identity and presents a
	// token self-signed under that key.
	log := logger.NewNoopLogger()
	impostorStore := keystore.NewMemoryStore(log)
	impostorPair, err := impostorStore.Ensure(ctx, "service-a", 2048)
	require.NoError(t, err)
	impostorTokens := auth.NewTokenService("service-a", impostorStore,
		staticResolver{serviceID: "service-a", publicKeyPEM: impostorPair.PublicKey},
		time.Minute, log)
	token, err := impostorTokens.Issue(ctx, "service-b", 0, nil)
	require.NoError(t, err)

	_, err = b.svc.HandleHandshake(ctx, &models.HandshakeRequest{
		ServiceID: "service-a",
		PublicKey: impostorPair.PublicKey,
		AuthToken: token,
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeAuth))

	// The pinned key is untouched and A keeps working against B.
	after, err := b.dir.Get("service-a")
	require.NoError(t, err)
	assert.Equal(t, pinned.PublicKey, after.PublicKey)

	reply, err := conn.Call(ctx, "echo", []byte("still me"))
	require.NoError(t, err)
	assert.Equal(t, []byte("still me"), reply)
}

func TestMesh_MessageWithUnknownSessionFails(t *testing.T) {
	_, b := newMeshPair(t)

	_, err := b.svc.HandleMessage(context.Background(), &models.DataMessage{
		SessionID:     "no-such-session",
		Method:        "echo",
		EncryptedData: "AA==",
		IV:            "AA==",
		AuthTag:       "AA==",
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeSessionNotFound))
}

func TestMesh_NilMessageRejected(t *testing.T) {
	_, b := newMeshPair(t)

	_, err := b.svc.HandleMessage(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidArgument))
}

func TestMesh_CallBeforeInitializeFails(t *testing.T) {
	network := NewInProcessNetwork()
	a := newNode(t, network, "service-a")

	_, err := a.svc.Connect("service-b")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeNotInitialized))
}

func TestMesh_AuditTrailCoversHandshakeAndMessages(t *testing.T) {
	a, b := newMeshPair(t)
	ctx := context.Background()

	b.svc.RegisterHandler("echo", func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})

	conn, err := a.svc.Connect("service-b")
	require.NoError(t, err)
	_, err = conn.Call(ctx, "echo", []byte("hi"))
	require.NoError(t, err)

	// Caller side: connection + message + the initial key rotation.
	assert.NotEmpty(t, a.auditor.ofType(constants.AuditEventConnection))
	assert.NotEmpty(t, a.auditor.ofType(constants.AuditEventMessage))
	assert.NotEmpty(t, a.auditor.ofType(constants.AuditEventKeyRotation))
	// Responder side mirrors it.
	assert.NotEmpty(t, b.auditor.ofType(constants.AuditEventConnection))
	assert.NotEmpty(t, b.auditor.ofType(constants.AuditEventMessage))
}

func TestMesh_StatsSnapshot(t *testing.T) {
	a, b := newMeshPair(t)
	ctx := context.Background()

	b.svc.RegisterHandler("echo", func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})

	conn, err := a.svc.Connect("service-b")
	require.NoError(t, err)
	_, err = conn.Call(ctx, "echo", []byte("hi"))
	require.NoError(t, err)

	stats := a.svc.Stats()
	assert.Equal(t, "service-a", stats.ServiceID)
	assert.Equal(t, int64(1), stats.ConnectionsTotal)
	assert.GreaterOrEqual(t, stats.RateLimitAllowed, int64(1))
	assert.Equal(t, "success", stats.LastRotationStatus)
	assert.False(t, stats.LastRotationAt.IsZero())
	assert.Greater(t, stats.AvgCallLatency, time.Duration(0))
}

func TestMesh_HealthCheck(t *testing.T) {
	a, _ := newMeshPair(t)

	report, err := a.svc.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, constants.HealthStatusHealthy, report.Status)

	names := make([]string, 0, len(report.Checks))
	for _, c := range report.Checks {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "keystore")
	assert.Contains(t, names, "crypto_engine")
}

func TestMesh_CleanupInvalidatesSessionsAndStopsService(t *testing.T) {
	a, b := newMeshPair(t)
	ctx := context.Background()

	b.svc.RegisterHandler("echo", func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})

	conn, err := a.svc.Connect("service-b")
	require.NoError(t, err)
	_, err = conn.Call(ctx, "echo", []byte("hi"))
	require.NoError(t, err)

	require.NoError(t, a.svc.Cleanup(ctx))
	require.NoError(t, a.svc.Cleanup(ctx))

	assert.Equal(t, 0, a.svc.Stats().ActiveSessions)
	_, err = conn.Call(ctx, "echo", []byte("again"))
	assert.True(t, errors.IsCode(err, errors.CodeNotInitialized))
}
