package bundler

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const ageSecretKeyHRP = "age-secret-key-"

var (
	// ErrNoSigningKey is returned when signing with a verify-only Signer.
	ErrNoSigningKey = errors.New("bundle signer has no signing key")
	// ErrSignatureMismatch is returned when a manifest signature does not verify.
	ErrSignatureMismatch = errors.New("bundle signature verification failed")
)

// Signer signs and verifies bundle manifests with an Ed25519 key pair
// derived from an age X25519 identity seed.
type Signer struct {
	private   ed25519.PrivateKey
	public    ed25519.PublicKey
	recipient string
}

// NewSigner builds a Signer from an age secret key, a base64 Ed25519 public
// key, or both. Without the secret key the Signer can only verify.
func NewSigner(secretKey, publicKey string) (*Signer, error) {
	secretKey = strings.TrimSpace(secretKey)
	publicKey = strings.TrimSpace(publicKey)
	if secretKey == "" && publicKey == "" {
		return nil, errors.New("PROTECT_BUNDLE_SIGNING_KEY or PROTECT_BUNDLE_PUBLIC_KEY must be set")
	}

	s := &Signer{}
	if secretKey != "" {
		seed, err := ageSeed(secretKey)
		if err != nil {
			return nil, fmt.Errorf("parse bundle signing key: %w", err)
		}
		s.private = ed25519.NewKeyFromSeed(seed)
		s.public = s.private.Public().(ed25519.PublicKey)
		if identity, err := age.ParseX25519Identity(secretKey); err == nil {
			s.recipient = identity.Recipient().String()
		}
	}

	if publicKey != "" {
		key, err := decodePublicKey(publicKey)
		if err != nil {
			return nil, fmt.Errorf("parse bundle public key: %w", err)
		}
		if s.public != nil && !bytes.Equal(s.public, key) {
			return nil, errors.New("bundle public key does not match the signing key")
		}
		s.public = key
	}
	return s, nil
}

// Sign returns the base64 Ed25519 signature of payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if s == nil || len(s.private) == 0 {
		return "", ErrNoSigningKey
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.private, payload)), nil
}

// Verify checks signature over payload. embedded is the public key recorded
// in the manifest; it must match the configured key when both are present.
func (s *Signer) Verify(payload []byte, signature, embedded string) error {
	if s == nil {
		return errors.New("nil signer")
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length %d", len(sig))
	}

	key, err := s.verificationKey(embedded)
	if err != nil {
		return err
	}
	if !ed25519.Verify(key, payload, sig) {
		return ErrSignatureMismatch
	}
	return nil
}

func (s *Signer) verificationKey(embedded string) (ed25519.PublicKey, error) {
	if embedded == "" {
		if s.public == nil {
			return nil, errors.New("no public key available for verification")
		}
		return s.public, nil
	}
	key, err := decodePublicKey(embedded)
	if err != nil {
		return nil, fmt.Errorf("manifest public key: %w", err)
	}
	if s.public != nil && !bytes.Equal(s.public, key) {
		return nil, errors.New("manifest signed by unexpected key")
	}
	return key, nil
}

// PublicKeyBase64 returns the Ed25519 public key in base64.
func (s *Signer) PublicKeyBase64() string {
	if s == nil || len(s.public) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.public)
}

// Recipient returns the age recipient of the signing identity, if known.
func (s *Signer) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}

func decodePublicKey(raw string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("want %d bytes, got %d", ed25519.PublicKeySize, len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}

func ageSeed(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, ageSecretKeyHRP) {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	seed, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(seed))
	}
	return seed, nil
}
