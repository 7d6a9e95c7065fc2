package keystore

import (
	"context"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/meshsec/pkg/errors"
	"github.com/turtacn/meshsec/pkg/logger"
)

func TestGenerateRSAKeyPair(t *testing.T) {
	pair, err := GenerateRSAKeyPair(2048)
	require.NoError(t, err)

	block, _ := pem.Decode([]byte(pair.PrivateKey))
	require.NotNil(t, block)
	assert.Equal(t, "RSA PRIVATE KEY", block.Type)

	block, _ = pem.Decode([]byte(pair.PublicKey))
	require.NotNil(t, block)
	assert.Equal(t, "PUBLIC KEY", block.Type)
}

func TestMemoryStore_EnsureIsIdempotent(t *testing.T) {
	store := NewMemoryStore(logger.NewNoopLogger())
	ctx := context.Background()

	first, err := store.Ensure(ctx, "service-a", 2048)
	require.NoError(t, err)

	second, err := store.Ensure(ctx, "service-a", 2048)
	require.NoError(t, err)

	// Ensure never regenerates implicitly.
	assert.Equal(t, first.PrivateKey, second.PrivateKey)
}

func TestMemoryStore_Regenerate(t *testing.T) {
	store := NewMemoryStore(logger.NewNoopLogger())
	ctx := context.Background()

	first, err := store.Ensure(ctx, "service-a", 2048)
	require.NoError(t, err)

	regenerated, err := store.Regenerate(ctx, "service-a", 2048)
	require.NoError(t, err)
	assert.NotEqual(t, first.PrivateKey, regenerated.PrivateKey)

	loaded, err := store.Load(ctx, "service-a")
	require.NoError(t, err)
	assert.Equal(t, regenerated.PrivateKey, loaded.PrivateKey)
}

func TestMemoryStore_LoadMissing(t *testing.T) {
	store := NewMemoryStore(logger.NewNoopLogger())

	_, err := store.Load(context.Background(), "unknown")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeNotInitialized))
}

func TestFileStore_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileStore(dir, logger.NewNoopLogger())
	require.NoError(t, err)

	pair, err := store.Ensure(ctx, "service-a", 2048)
	require.NoError(t, err)

	// A second store over the same directory sees the same material.
	reopened, err := NewFileStore(dir, logger.NewNoopLogger())
	require.NoError(t, err)

	loaded, err := reopened.Load(ctx, "service-a")
	require.NoError(t, err)
	assert.Equal(t, pair.PrivateKey, loaded.PrivateKey)
	assert.Equal(t, pair.PublicKey, loaded.PublicKey)
}

func TestFileStore_Delete(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileStore(dir, logger.NewNoopLogger())
	require.NoError(t, err)

	_, err = store.Ensure(ctx, "service-a", 2048)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "service-a"))

	_, err = store.Load(ctx, "service-a")
	assert.Error(t, err)
}
