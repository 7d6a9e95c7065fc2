package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/meshsec/internal/infrastructure/keystore"
	"github.com/turtacn/meshsec/pkg/errors"
	"github.com/turtacn/meshsec/pkg/logger"
)

type mapResolver struct {
	keys map[string]string
}

func (r *mapResolver) ResolvePublicKey(_ context.Context, serviceID string) (string, error) {
	pem, ok := r.keys[serviceID]
	if !ok {
		return "", errors.ErrPeerUnavailable(serviceID)
	}
	return pem, nil
}

// newMesh builds token services for the given identities, all sharing one
// key store and one public key resolver.
func newMesh(t *testing.T, ids ...string) map[string]*TokenService {
	t.Helper()

	store := keystore.NewMemoryStore(logger.NewNoopLogger())
	resolver := &mapResolver{keys: make(map[string]string)}
	ctx := context.Background()

	services := make(map[string]*TokenService, len(ids))
	for _, id := range ids {
		pair, err := store.Ensure(ctx, id, 2048)
		require.NoError(t, err)
		resolver.keys[id] = pair.PublicKey
		services[id] = NewTokenService(id, store, resolver, time.Hour, logger.NewNoopLogger())
	}
	return services
}

func TestTokenService_IssueVerifyRoundTrip(t *testing.T) {
	services := newMesh(t, "service-a", "service-b")
	ctx := context.Background()

	token, err := services["service-a"].Issue(ctx, "service-b", time.Hour, map[string]interface{}{
		"role": "frontend",
	})
	require.NoError(t, err)

	payload, err := services["service-b"].Verify(ctx, token, "service-a")
	require.NoError(t, err)

	assert.Equal(t, "service-a", payload.Issuer)
	assert.Equal(t, "service-a", payload.Subject)
	assert.Equal(t, "service-b", payload.Audience)
	assert.NotEmpty(t, payload.TokenID)
	assert.Equal(t, "frontend", payload.Extra["role"])
	assert.True(t, payload.ExpiresAt.After(time.Now()))
}

func TestTokenService_AudienceIsBinding(t *testing.T) {
	services := newMesh(t, "service-a", "service-b", "service-c")
	ctx := context.Background()

	token, err := services["service-a"].Issue(ctx, "service-b", time.Hour, nil)
	require.NoError(t, err)

	// A token audienced to B cannot be replayed at C.
	_, err = services["service-c"].Verify(ctx, token, "service-a")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeAuth))
}

func TestTokenService_ClaimedIssuerMustMatchSigner(t *testing.T) {
	services := newMesh(t, "service-a", "service-b", "service-c")
	ctx := context.Background()

	token, err := services["service-a"].Issue(ctx, "service-b", time.Hour, nil)
	require.NoError(t, err)

	// Claiming the token came from C makes the signature check fail
	// against C's public key.
	_, err = services["service-b"].Verify(ctx, token, "service-c")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeAuth))
}

func TestTokenService_ExpiredTokenRejected(t *testing.T) {
	services := newMesh(t, "service-a", "service-b")
	ctx := context.Background()

	token, err := services["service-a"].Issue(ctx, "service-b", time.Millisecond, nil)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = services["service-b"].Verify(ctx, token, "service-a")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeAuth))
}

func TestTokenService_UnknownIssuerRejected(t *testing.T) {
	services := newMesh(t, "service-a", "service-b")
	ctx := context.Background()

	token, err := services["service-a"].Issue(ctx, "service-b", time.Hour, nil)
	require.NoError(t, err)

	_, err = services["service-b"].Verify(ctx, token, "service-x")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeAuth))
}

func TestTokenService_RotatedKeyTakesEffect(t *testing.T) {
	store := keystore.NewMemoryStore(logger.NewNoopLogger())
	resolver := &mapResolver{keys: make(map[string]string)}
	ctx := context.Background()

	pair, err := store.Ensure(ctx, "service-a", 2048)
	require.NoError(t, err)
	resolver.keys["service-a"] = pair.PublicKey

	issuer := NewTokenService("service-a", store, resolver, time.Hour, logger.NewNoopLogger())
	verifier := NewTokenService("service-b", store, resolver, time.Hour, logger.NewNoopLogger())

	rotated, err := store.Regenerate(ctx, "service-a", 2048)
	require.NoError(t, err)

	token, err := issuer.Issue(ctx, "service-b", time.Hour, nil)
	require.NoError(t, err)

	// The resolver still holds the old key, so verification fails until
	// the directory learns the rotated one.
	_, err = verifier.Verify(ctx, token, "service-a")
	require.Error(t, err)

	resolver.keys["service-a"] = rotated.PublicKey
	_, err = verifier.Verify(ctx, token, "service-a")
	require.NoError(t, err)
}
