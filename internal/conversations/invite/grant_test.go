package invite

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	apperrors "github.com/louisbranch/convene/internal/platform/errors"
)

func generateGrantKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func testSignerVerifier(t *testing.T, now time.Time) (GrantSigner, GrantVerifier) {
	t.Helper()
	pub, priv := generateGrantKeys(t)
	signer := GrantSigner{
		Issuer:   "convene",
		Audience: "conversations",
		Key:      priv,
		TTL:      TTL,
		Now:      fixedClock(now),
	}
	verifier := GrantVerifier{
		Issuer:   "convene",
		Audience: "conversations",
		Key:      pub,
		Now:      fixedClock(now),
	}
	return signer, verifier
}

func TestLoadGrantSignerFromEnv(t *testing.T) {
	t.Setenv(EnvGrantIssuer, "")
	t.Setenv(EnvGrantAudience, "")
	t.Setenv(EnvGrantPrivateKey, "")

	if _, err := LoadGrantSignerFromEnv(nil); err == nil {
		t.Fatal("expected error when env vars are missing")
	}

	_, priv := generateGrantKeys(t)
	t.Setenv(EnvGrantIssuer, "convene")
	t.Setenv(EnvGrantAudience, "conversations")
	t.Setenv(EnvGrantPrivateKey, base64.RawStdEncoding.EncodeToString(priv))

	signer, err := LoadGrantSignerFromEnv(nil)
	if err != nil {
		t.Fatalf("load grant signer: %v", err)
	}
	if signer.Issuer != "convene" || signer.Audience != "conversations" {
		t.Fatal("expected issuer and audience to be loaded")
	}
	if signer.TTL != TTL {
		t.Fatalf("ttl = %v, want default %v", signer.TTL, TTL)
	}
}

func TestLoadGrantVerifierFromEnv(t *testing.T) {
	pub, _ := generateGrantKeys(t)
	t.Setenv(EnvGrantIssuer, "convene")
	t.Setenv(EnvGrantAudience, "conversations")
	t.Setenv(EnvGrantPublicKey, base64.RawStdEncoding.EncodeToString(pub))

	verifier, err := LoadGrantVerifierFromEnv(nil)
	if err != nil {
		t.Fatalf("load grant verifier: %v", err)
	}
	if len(verifier.Key) != ed25519.PublicKeySize {
		t.Fatalf("expected public key size %d", ed25519.PublicKeySize)
	}
}

func TestIssueAndValidateGrantRoundTrip(t *testing.T) {
	now := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	signer, verifier := testSignerVerifier(t, now)

	invitation := Invitation{
		ID:             "inv-1",
		ConversationID: "conv-1",
		ToEmail:        "bob@example.com",
	}
	grant, err := signer.IssueGrant(invitation, "grant-1")
	if err != nil {
		t.Fatalf("issue grant: %v", err)
	}

	claims, err := verifier.ValidateGrant(grant, GrantExpectation{
		ConversationID: "conv-1",
		InvitationID:   "inv-1",
		Recipient:      "bob@example.com",
	})
	if err != nil {
		t.Fatalf("validate grant: %v", err)
	}
	if claims.InvitationID != "inv-1" || claims.ConversationID != "conv-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.JWTID != "grant-1" {
		t.Fatalf("jti = %q, want grant-1", claims.JWTID)
	}
}

func TestValidateGrantExpired(t *testing.T) {
	issued := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	signer, verifier := testSignerVerifier(t, issued)
	verifier.Now = fixedClock(issued.Add(TTL + time.Hour))

	grant, err := signer.IssueGrant(Invitation{ID: "inv-1", ConversationID: "conv-1", ToUserID: "bob"}, "grant-1")
	if err != nil {
		t.Fatalf("issue grant: %v", err)
	}

	_, err = verifier.ValidateGrant(grant, GrantExpectation{
		ConversationID: "conv-1",
		InvitationID:   "inv-1",
		Recipient:      "bob",
	})
	if !errors.Is(err, apperrors.New(apperrors.CodeInvitationGrantExpired, "")) {
		t.Fatalf("expected expired grant error, got %v", err)
	}
}

func TestValidateGrantMismatch(t *testing.T) {
	now := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	signer, verifier := testSignerVerifier(t, now)

	grant, err := signer.IssueGrant(Invitation{ID: "inv-1", ConversationID: "conv-1", ToUserID: "bob"}, "grant-1")
	if err != nil {
		t.Fatalf("issue grant: %v", err)
	}

	cases := []GrantExpectation{
		{ConversationID: "conv-other", InvitationID: "inv-1", Recipient: "bob"},
		{ConversationID: "conv-1", InvitationID: "inv-other", Recipient: "bob"},
		{ConversationID: "conv-1", InvitationID: "inv-1", Recipient: "mallory"},
	}
	for _, expected := range cases {
		if _, err := verifier.ValidateGrant(grant, expected); !errors.Is(err, apperrors.New(apperrors.CodeInvitationGrantMismatch, "")) {
			t.Fatalf("expected mismatch for %+v, got %v", expected, err)
		}
	}
}

func TestValidateGrantInvalidSignature(t *testing.T) {
	now := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	signer, _ := testSignerVerifier(t, now)
	_, verifier := testSignerVerifier(t, now) // different key pair

	grant, err := signer.IssueGrant(Invitation{ID: "inv-1", ConversationID: "conv-1", ToUserID: "bob"}, "grant-1")
	if err != nil {
		t.Fatalf("issue grant: %v", err)
	}

	_, err = verifier.ValidateGrant(grant, GrantExpectation{
		ConversationID: "conv-1",
		InvitationID:   "inv-1",
		Recipient:      "bob",
	})
	if !errors.Is(err, apperrors.New(apperrors.CodeInvitationGrantInvalid, "")) {
		t.Fatalf("expected invalid grant error, got %v", err)
	}
}
