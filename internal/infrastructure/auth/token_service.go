// Package auth issues and verifies the short-lived RS256-signed identity
// tokens exchanged during the mesh handshake. There is no shared secret:
// tokens are signed with the issuer's private key and verified against the
// issuer's known public key.
package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/turtacn/meshsec/internal/domain/models"
	"github.com/turtacn/meshsec/internal/domain/service"
	"github.com/turtacn/meshsec/pkg/constants"
	"github.com/turtacn/meshsec/pkg/errors"
	"github.com/turtacn/meshsec/pkg/logger"
)

// PublicKeyResolver resolves a service id to its known public key in PEM
// format. The orchestrator backs this with the service directory.
type PublicKeyResolver interface {
	ResolvePublicKey(ctx context.Context, serviceID string) (string, error)
}

// TokenService issues and verifies identity tokens for the local service. It
// reads the signing key from the key store on every issue, so a rotated
// identity key takes effect without restarting.
type TokenService struct {
	localServiceID string
	keyStore       service.KeyStore
	resolver       PublicKeyResolver
	defaultTTL     time.Duration
	log            logger.Logger
}

// NewTokenService creates a token service for the given local identity.
func NewTokenService(
	localServiceID string,
	keyStore service.KeyStore,
	resolver PublicKeyResolver,
	defaultTTL time.Duration,
	log logger.Logger,
) *TokenService {
	if defaultTTL <= 0 {
		defaultTTL = constants.DefaultTokenTTL
	}
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return &TokenService{
		localServiceID: localServiceID,
		keyStore:       keyStore,
		resolver:       resolver,
		defaultTTL:     defaultTTL,
		log:            log.WithComponent("auth"),
	}
}

var _ service.TokenService = (*TokenService)(nil)

// Issue creates a signed token audienced to the target service.
func (s *TokenService) Issue(ctx context.Context, audience string, ttl time.Duration, extra map[string]interface{}) (string, error) {
	if audience == "" {
		return "", errors.ErrInvalidArgument("token audience is required")
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	pair, err := s.keyStore.Load(ctx, s.localServiceID)
	if err != nil {
		return "", err
	}
	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(pair.PrivateKey))
	if err != nil {
		return "", errors.Wrap(err, errors.CodeInternal, "failed to parse signing key")
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": s.localServiceID,
		"sub": s.localServiceID,
		"aud": audience,
		"iat": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(now.Add(ttl)),
		"jti": uuid.New().String(),
	}
	for k, v := range extra {
		if _, reserved := claims[k]; !reserved {
			claims[k] = v
		}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(privateKey)
	if err != nil {
		return "", errors.Wrap(err, errors.CodeInternal, "failed to sign token")
	}
	return signed, nil
}

// Verify validates a token claimed to come from claimedIssuer: the signature
// must validate against the issuer's stored public key, the audience must be
// the local identity, and the token must not be expired.
func (s *TokenService) Verify(ctx context.Context, tokenString, claimedIssuer string) (*models.TokenPayload, error) {
	publicKeyPEM, err := s.resolver.ResolvePublicKey(ctx, claimedIssuer)
	if err != nil {
		return nil, errors.ErrAuth("public key unknown for issuer %s", claimedIssuer).WithCause(err)
	}
	publicKey, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, errors.ErrAuth("stored public key for %s is invalid", claimedIssuer).WithCause(err)
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.ErrAuth("unexpected signing method %s", t.Method.Alg())
		}
		return publicKey, nil
	},
		jwt.WithIssuer(claimedIssuer),
		jwt.WithAudience(s.localServiceID),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, errors.ErrAuth("token verification failed").WithCause(err)
	}
	if !token.Valid {
		return nil, errors.ErrAuth("token is invalid")
	}

	return payloadFromClaims(claims), nil
}

func payloadFromClaims(claims jwt.MapClaims) *models.TokenPayload {
	payload := &models.TokenPayload{Extra: make(map[string]interface{})}

	if v, err := claims.GetSubject(); err == nil {
		payload.Subject = v
	}
	if v, err := claims.GetIssuer(); err == nil {
		payload.Issuer = v
	}
	if v, err := claims.GetAudience(); err == nil && len(v) > 0 {
		payload.Audience = v[0]
	}
	if v, err := claims.GetIssuedAt(); err == nil && v != nil {
		payload.IssuedAt = v.Time
	}
	if v, err := claims.GetExpirationTime(); err == nil && v != nil {
		payload.ExpiresAt = v.Time
	}
	if v, ok := claims["jti"].(string); ok {
		payload.TokenID = v
	}

	reserved := map[string]struct{}{
		"iss": {}, "sub": {}, "aud": {}, "iat": {}, "exp": {}, "jti": {}, "nbf": {},
	}
	for k, v := range claims {
		if _, ok := reserved[k]; !ok {
			payload.Extra[k] = v
		}
	}
	return payload
}
