package auth

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// NonceSize is 96 bits total, split into a 64-bit random prefix fixed for
// the session and a 32-bit monotonically increasing counter.
const NonceSize = chacha20poly1305.NonceSize // 12 bytes

// IdentityKeyPair is a daemon's long-term X25519 keypair. Its public key's
// fingerprint (pkg/fingerprint) is what TOFU verification is built on.
type IdentityKeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateIdentity creates a new X25519 keypair.
func GenerateIdentity() (*IdentityKeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("auth: generate identity key: %w", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("auth: derive public key: %w", err)
	}
	var kp IdentityKeyPair
	copy(kp.Private[:], priv[:])
	copy(kp.Public[:], pub)
	return &kp, nil
}

// LoadOrCreateIdentity reads a hex-encoded private key from path, or
// generates a fresh identity and writes it there (mode 0600) if the file
// doesn't exist yet. This is what lets a daemon's fingerprint stay stable
// across restarts, which trust-on-first-use depends on.
func LoadOrCreateIdentity(path string) (*IdentityKeyPair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		priv, decErr := hex.DecodeString(string(data))
		if decErr != nil || len(priv) != 32 {
			return nil, fmt.Errorf("auth: malformed identity key at %s", path)
		}
		var kp IdentityKeyPair
		copy(kp.Private[:], priv)
		pub, pubErr := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
		if pubErr != nil {
			return nil, fmt.Errorf("auth: derive public key: %w", pubErr)
		}
		copy(kp.Public[:], pub)
		return &kp, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("auth: read identity key %s: %w", path, err)
	}

	kp, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(kp.Private[:])), 0o600); err != nil {
		return nil, fmt.Errorf("auth: persist identity key %s: %w", path, err)
	}
	return kp, nil
}

// EphemeralKeyPair is generated fresh for every session's key exchange.
type EphemeralKeyPair struct {
	Private [32]byte
	Public  [32]byte
}

func GenerateEphemeral() (*EphemeralKeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("auth: generate ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("auth: derive ephemeral public key: %w", err)
	}
	var kp EphemeralKeyPair
	copy(kp.Private[:], priv[:])
	copy(kp.Public[:], pub)
	return &kp, nil
}

// DeriveSessionKey runs the X25519 ECDH between this side's ephemeral
// private key and the peer's ephemeral public key, then stretches the
// shared secret through HKDF-SHA256 into a 32-byte symmetric key. info
// should be a fixed session-scoped label (e.g. the session id) to bind
// the derived key to this exchange.
func DeriveSessionKey(myPriv [32]byte, peerPub [32]byte, info []byte) ([]byte, error) {
	shared, err := curve25519.X25519(myPriv[:], peerPub[:])
	if err != nil {
		return nil, fmt.Errorf("auth: ecdh: %w", err)
	}
	kdf := hkdf.New(sha256.New, shared, nil, info)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := kdf.Read(key); err != nil {
		return nil, fmt.Errorf("auth: hkdf expand: %w", err)
	}
	return key, nil
}

// Session wraps an established symmetric key with an AEAD and the
// 64-bit-random-prefix + 32-bit-counter nonce scheme. The relay never
// holds this key: only the two endpoints of the end-to-end exchange
// construct a Session.
type Session struct {
	aead    cipher.AEAD
	prefix  [8]byte // fixed for the lifetime of this Session
	counter atomic.Uint32
}

// NewCryptoSession builds a Session from a derived symmetric key, picking
// a fresh random nonce prefix.
func NewCryptoSession(key []byte) (*Session, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("auth: create aead: %w", err)
	}
	s := &Session{aead: aead}
	if _, err := rand.Read(s.prefix[:]); err != nil {
		return nil, fmt.Errorf("auth: generate nonce prefix: %w", err)
	}
	return s, nil
}

// ErrCounterExhausted is returned once Seal has been called 2^32 times;
// the caller must perform a fresh key exchange (rekey) before encrypting
// anything further.
var ErrCounterExhausted = fmt.Errorf("auth: nonce counter exhausted, rekey required")

func (s *Session) nextNonce() ([]byte, error) {
	c := s.counter.Add(1)
	if c == 0 {
		// wrapped past 2^32-1 back to 0: exhausted.
		return nil, ErrCounterExhausted
	}
	nonce := make([]byte, NonceSize)
	copy(nonce[:8], s.prefix[:])
	binary.BigEndian.PutUint32(nonce[8:], c-1)
	return nonce, nil
}

// Seal encrypts plaintext, returning nonce||ciphertext.
func (s *Session) Seal(plaintext, additionalData []byte) ([]byte, error) {
	nonce, err := s.nextNonce()
	if err != nil {
		return nil, err
	}
	out := s.aead.Seal(nil, nonce, plaintext, additionalData)
	return append(nonce, out...), nil
}

// Open decrypts data produced by Seal (nonce||ciphertext).
func (s *Session) Open(data, additionalData []byte) ([]byte, error) {
	if len(data) < NonceSize {
		return nil, fmt.Errorf("auth: ciphertext too short")
	}
	nonce, ct := data[:NonceSize], data[NonceSize:]
	return s.aead.Open(nil, nonce, ct, additionalData)
}
