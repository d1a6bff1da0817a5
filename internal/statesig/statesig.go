// Package statesig signs and verifies the OAuth state parameter as a compact
// JWS. Binding the handshake id and owner to a signature means a forged or
// replayed state from the authorization redirect cannot be attached to
// another user's handshake.
package statesig

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// ErrInvalidState is returned when a state token fails verification or
// decodes to malformed claims.
var ErrInvalidState = errors.New("invalid state token")

// Claims is the payload bound into the state parameter.
type Claims struct {
	HandshakeID string    `json:"hid"`
	UserID      string    `json:"uid"`
	ServerName  string    `json:"srv"`
	ExpiresAt   time.Time `json:"exp"`
}

// Signer mints and verifies state tokens.
type Signer interface {
	Sign(claims Claims) (string, error)
	Verify(token string) (Claims, error)
}

// MemoryKeys implements Signer with an in-memory set of Ed25519 keys and a
// designated active key for signing. Old keys stay verifiable across
// rotation.
type MemoryKeys struct {
	activeKid string
	privKeys  map[string]ed25519.PrivateKey
	pubKeys   map[string]ed25519.PublicKey
}

var _ Signer = (*MemoryKeys)(nil)

func NewMemoryKeys() *MemoryKeys {
	return &MemoryKeys{
		privKeys: make(map[string]ed25519.PrivateKey),
		pubKeys:  make(map[string]ed25519.PublicKey),
	}
}

// Generate creates a signer with a single fresh key, active immediately.
func Generate() (*MemoryKeys, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	m := NewMemoryKeys()
	m.AddEd25519Key("1", priv)
	if err := m.SetActive("1"); err != nil {
		return nil, err
	}
	return m, nil
}

// AddEd25519Key registers a key pair under kid. The active key is unchanged.
func (m *MemoryKeys) AddEd25519Key(kid string, priv ed25519.PrivateKey) {
	m.privKeys[kid] = priv
	m.pubKeys[kid] = priv.Public().(ed25519.PublicKey)
}

// SetActive selects the key used for signing.
func (m *MemoryKeys) SetActive(kid string) error {
	if _, ok := m.privKeys[kid]; !ok {
		return fmt.Errorf("unknown kid: %s", kid)
	}
	m.activeKid = kid
	return nil
}

func (m *MemoryKeys) Sign(claims Claims) (string, error) {
	if m.activeKid == "" {
		return "", fmt.Errorf("no active kid configured")
	}
	priv, ok := m.privKeys[m.activeKid]
	if !ok {
		return "", fmt.Errorf("active kid not found: %s", m.activeKid)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state claims: %w", err)
	}
	opts := (&jose.SignerOptions{}).WithHeader("kid", m.activeKid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: priv}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize jws: %w", err)
	}
	return compact, nil
}

func (m *MemoryKeys) Verify(token string) (Claims, error) {
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if len(jws.Signatures) != 1 {
		return Claims{}, fmt.Errorf("%w: unexpected signature count %d", ErrInvalidState, len(jws.Signatures))
	}
	kid := jws.Signatures[0].Protected.KeyID
	pub, ok := m.pubKeys[kid]
	if !ok {
		return Claims{}, fmt.Errorf("%w: unknown kid %s", ErrInvalidState, kid)
	}
	payload, err := jws.Verify(pub)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: signature verification failed", ErrInvalidState)
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: malformed claims", ErrInvalidState)
	}
	return claims, nil
}
