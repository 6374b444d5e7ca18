package invite

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/convene/internal/platform/errors"
)

// Environment variable names for grant configuration.
const (
	EnvGrantIssuer     = "CONVENE_INVITE_GRANT_ISSUER"
	EnvGrantAudience   = "CONVENE_INVITE_GRANT_AUDIENCE"
	EnvGrantPrivateKey = "CONVENE_INVITE_GRANT_PRIVATE_KEY"
	EnvGrantPublicKey  = "CONVENE_INVITE_GRANT_PUBLIC_KEY"
	EnvGrantTTL        = "CONVENE_INVITE_GRANT_TTL"
)

// grantEnv holds raw env values before post-parse validation.
type grantEnv struct {
	Issuer     string        `env:"CONVENE_INVITE_GRANT_ISSUER"`
	Audience   string        `env:"CONVENE_INVITE_GRANT_AUDIENCE"`
	PrivateKey string        `env:"CONVENE_INVITE_GRANT_PRIVATE_KEY"`
	PublicKey  string        `env:"CONVENE_INVITE_GRANT_PUBLIC_KEY"`
	TTL        time.Duration `env:"CONVENE_INVITE_GRANT_TTL" envDefault:"168h"`
}

// GrantSigner issues signed grants for out-of-band invitation delivery.
type GrantSigner struct {
	Issuer   string
	Audience string
	Key      ed25519.PrivateKey
	TTL      time.Duration
	Now      func() time.Time
}

// GrantVerifier validates grants presented on acceptance.
type GrantVerifier struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
	Now      func() time.Time
}

// GrantExpectation defines the identity a presented grant must carry.
type GrantExpectation struct {
	ConversationID string
	InvitationID   string
	Recipient      string
}

// GrantClaims captures validated grant claims.
type GrantClaims struct {
	Issuer         string
	Audience       []string
	ExpiresAt      time.Time
	IssuedAt       time.Time
	JWTID          string
	ConversationID string
	InvitationID   string
	Recipient      string
}

// grantClaims is the internal claims type used for JWT encoding and parsing.
type grantClaims struct {
	jwt.RegisteredClaims
	ConversationID string `json:"conversation_id"`
	InvitationID   string `json:"invitation_id"`
	Recipient      string `json:"recipient"`
}

// LoadGrantSignerFromEnv reads grant signing configuration.
func LoadGrantSignerFromEnv(now func() time.Time) (GrantSigner, error) {
	var raw grantEnv
	if err := env.Parse(&raw); err != nil {
		return GrantSigner{}, fmt.Errorf("parse invite grant env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	privateKey := strings.TrimSpace(raw.PrivateKey)
	if issuer == "" {
		return GrantSigner{}, fmt.Errorf("CONVENE_INVITE_GRANT_ISSUER is required")
	}
	if audience == "" {
		return GrantSigner{}, fmt.Errorf("CONVENE_INVITE_GRANT_AUDIENCE is required")
	}
	if privateKey == "" {
		return GrantSigner{}, fmt.Errorf("CONVENE_INVITE_GRANT_PRIVATE_KEY is required")
	}
	keyBytes, err := decodeBase64(privateKey)
	if err != nil {
		return GrantSigner{}, fmt.Errorf("decode invite grant private key: %w", err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return GrantSigner{}, fmt.Errorf("invite grant private key must be %d bytes", ed25519.PrivateKeySize)
	}
	if raw.TTL <= 0 {
		return GrantSigner{}, fmt.Errorf("invite grant ttl must be positive")
	}
	if now == nil {
		now = time.Now
	}
	return GrantSigner{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PrivateKey(keyBytes),
		TTL:      raw.TTL,
		Now:      now,
	}, nil
}

// LoadGrantVerifierFromEnv reads grant verification configuration.
func LoadGrantVerifierFromEnv(now func() time.Time) (GrantVerifier, error) {
	var raw grantEnv
	if err := env.Parse(&raw); err != nil {
		return GrantVerifier{}, fmt.Errorf("parse invite grant env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	publicKey := strings.TrimSpace(raw.PublicKey)
	if issuer == "" {
		return GrantVerifier{}, fmt.Errorf("CONVENE_INVITE_GRANT_ISSUER is required")
	}
	if audience == "" {
		return GrantVerifier{}, fmt.Errorf("CONVENE_INVITE_GRANT_AUDIENCE is required")
	}
	if publicKey == "" {
		return GrantVerifier{}, fmt.Errorf("CONVENE_INVITE_GRANT_PUBLIC_KEY is required")
	}
	keyBytes, err := decodeBase64(publicKey)
	if err != nil {
		return GrantVerifier{}, fmt.Errorf("decode invite grant public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return GrantVerifier{}, fmt.Errorf("invite grant public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return GrantVerifier{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PublicKey(keyBytes),
		Now:      now,
	}, nil
}

// IssueGrant signs a grant carrying the invitation identity for delivery in
// the invitation email.
func (s GrantSigner) IssueGrant(invitation Invitation, grantID string) (string, error) {
	if s.Issuer == "" || s.Audience == "" || len(s.Key) != ed25519.PrivateKeySize {
		return "", errors.New("invite grant signer is not configured")
	}
	if strings.TrimSpace(grantID) == "" {
		return "", errors.New("grant id is required")
	}
	now := s.Now
	if now == nil {
		now = time.Now
	}
	issuedAt := now().UTC()
	ttl := s.TTL
	if ttl <= 0 {
		ttl = TTL
	}

	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Issuer,
			Audience:  jwt.ClaimStrings{s.Audience},
			ID:        grantID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
		ConversationID: invitation.ConversationID,
		InvitationID:   invitation.ID,
		Recipient:      invitation.RecipientKey(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(s.Key)
	if err != nil {
		return "", fmt.Errorf("sign invite grant: %w", err)
	}
	return signed, nil
}

// ValidateGrant verifies a grant token and validates expected claims.
func (v GrantVerifier) ValidateGrant(grant string, expected GrantExpectation) (GrantClaims, error) {
	grant = strings.TrimSpace(grant)
	if grant == "" {
		return GrantClaims{}, apperrors.New(apperrors.CodeInvitationGrantInvalid, "invite grant is required")
	}
	now := v.Now
	if now == nil {
		now = time.Now
	}
	if v.Issuer == "" || v.Audience == "" || len(v.Key) != ed25519.PublicKeySize {
		return GrantClaims{}, errors.New("invite grant verifier is not configured")
	}

	var parsed grantClaims
	_, err := jwt.ParseWithClaims(grant, &parsed, func(token *jwt.Token) (any, error) {
		return v.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return GrantClaims{}, mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != v.Issuer {
		return GrantClaims{}, apperrors.WithMetadata(
			apperrors.CodeInvitationGrantMismatch,
			"invite grant issuer mismatch",
			map[string]string{"Field": "issuer"},
		)
	}
	if !audienceContains(parsed.Audience, v.Audience) {
		return GrantClaims{}, apperrors.WithMetadata(
			apperrors.CodeInvitationGrantMismatch,
			"invite grant audience mismatch",
			map[string]string{"Field": "audience"},
		)
	}
	if parsed.ID == "" {
		return GrantClaims{}, apperrors.New(apperrors.CodeInvitationGrantInvalid, "invite grant jti is required")
	}
	if parsed.ExpiresAt == nil {
		return GrantClaims{}, apperrors.New(apperrors.CodeInvitationGrantInvalid, "invite grant exp is required")
	}

	current := now().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(current) {
		return GrantClaims{}, apperrors.New(apperrors.CodeInvitationGrantExpired, "invite grant is expired")
	}

	if strings.TrimSpace(parsed.ConversationID) == "" || parsed.ConversationID != expected.ConversationID {
		return GrantClaims{}, apperrors.WithMetadata(
			apperrors.CodeInvitationGrantMismatch,
			"invite grant conversation mismatch",
			map[string]string{"Field": "conversation_id"},
		)
	}
	if strings.TrimSpace(parsed.InvitationID) == "" || parsed.InvitationID != expected.InvitationID {
		return GrantClaims{}, apperrors.WithMetadata(
			apperrors.CodeInvitationGrantMismatch,
			"invite grant invitation mismatch",
			map[string]string{"Field": "invitation_id"},
		)
	}
	if strings.TrimSpace(parsed.Recipient) == "" || parsed.Recipient != expected.Recipient {
		return GrantClaims{}, apperrors.WithMetadata(
			apperrors.CodeInvitationGrantMismatch,
			"invite grant recipient mismatch",
			map[string]string{"Field": "recipient"},
		)
	}

	claims := GrantClaims{
		Issuer:         parsed.Issuer,
		Audience:       []string(parsed.Audience),
		ExpiresAt:      exp,
		JWTID:          parsed.ID,
		ConversationID: parsed.ConversationID,
		InvitationID:   parsed.InvitationID,
		Recipient:      parsed.Recipient,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.New(apperrors.CodeInvitationGrantInvalid, "invite grant signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeInvitationGrantInvalid, "invite grant alg is invalid")
	}
	return apperrors.New(apperrors.CodeInvitationGrantInvalid, "invite grant is invalid")
}

// audienceContains reports whether the audience list contains the given value.
func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
