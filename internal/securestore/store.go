// Package securestore wraps a kv.Tier with symmetric encryption. Values are
// JSON-serialized, zstd-compressed, then sealed with AES-GCM under a process
// key derived deterministically from the application identifier.
//
// Failure semantics are deliberately soft: encryption and decryption errors
// are never fatal. A failed encrypt degrades to a plaintext write so data is
// not lost; a failed decrypt falls back to parsing the raw bytes as legacy
// plaintext before reporting the entry absent. This two-path read is what
// lets the system survive key rotation or pre-encryption data without
// migration tooling.
package securestore

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/pbkdf2"

	"subguard/internal/kv"
)

const (
	// keySalt is a fixed application salt mixed into key derivation. The
	// derived key is only as secret as the application identifier; the
	// store bounds casual inspection, not a determined attacker with
	// device access.
	keySalt = "subguard.store.v1"

	// pbkdf2Iterations balances startup cost against brute-force effort.
	pbkdf2Iterations = 120_000

	keyLen = 32 // AES-256
)

// sealedMagic prefixes every encrypted entry so reads can distinguish sealed
// payloads from legacy plaintext.
var sealedMagic = []byte("SGE1")

// DeriveKey derives the process-lifetime encryption key from the stable
// application identifier. Derivation is deterministic, so a re-derived key
// across process restarts decrypts previously written entries.
func DeriveKey(appIdentifier string) []byte {
	return pbkdf2.Key([]byte(appIdentifier), []byte(keySalt), pbkdf2Iterations, keyLen, sha256.New)
}

// Store is the encrypted key-value wrapper.
type Store struct {
	tier   kv.Tier
	aead   cipher.AEAD
	logger *slog.Logger

	zenc *zstd.Encoder
	zdec *zstd.Decoder
}

// New creates a Store over the given tier using the given 32-byte key.
func New(tier kv.Tier, key []byte, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	zenc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	zdec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Store{
		tier:   tier,
		aead:   aead,
		logger: logger,
		zenc:   zenc,
		zdec:   zdec,
	}, nil
}

// SetEncrypted serializes v, encrypts it, and writes it to the underlying
// tier. If sealing fails the plaintext serialization is written instead:
// confidentiality degrades, availability is preserved. Only the tier write
// itself can fail the call.
func (s *Store) SetEncrypted(ctx context.Context, key string, v any) error {
	plain, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("serializing %q: %w", key, err)
	}

	sealed, err := s.seal(plain)
	if err != nil {
		s.logger.Warn("encryption failed, storing plaintext",
			"key", key,
			"error", err,
		)
		return s.tier.Set(ctx, key, plain)
	}
	return s.tier.Set(ctx, key, sealed)
}

// GetDecrypted reads the entry under key into out. Returns false when the
// entry is absent or unreadable in both the sealed and legacy-plaintext
// forms; unreadable entries are logged, never surfaced as errors.
func (s *Store) GetDecrypted(ctx context.Context, key string, out any) (bool, error) {
	raw, ok, err := s.tier.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("reading %q: %w", key, err)
	}
	if !ok {
		return false, nil
	}

	if plain, err := s.open(raw); err == nil {
		if err := json.Unmarshal(plain, out); err == nil {
			return true, nil
		}
	}

	// Decrypt path failed: wrong key, corrupted entry, or data written
	// before encryption existed. Try the raw bytes as the serialized form.
	if err := json.Unmarshal(raw, out); err != nil {
		s.logger.Warn("entry unreadable as sealed or plaintext, treating as absent",
			"key", key,
			"error", err,
		)
		return false, nil
	}
	return true, nil
}

// Delete removes the entry under key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.tier.Delete(ctx, key)
}

// seal compresses and encrypts plain. Layout: magic || nonce || ciphertext.
func (s *Store) seal(plain []byte) ([]byte, error) {
	compressed := s.zenc.EncodeAll(plain, nil)

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 0, len(sealedMagic)+len(nonce)+len(compressed)+s.aead.Overhead())
	out = append(out, sealedMagic...)
	out = append(out, nonce...)
	out = s.aead.Seal(out, nonce, compressed, nil)
	return out, nil
}

// open reverses seal. Any structural mismatch is an error; callers fall back
// to the plaintext path.
func (s *Store) open(raw []byte) ([]byte, error) {
	if !bytes.HasPrefix(raw, sealedMagic) {
		return nil, fmt.Errorf("missing sealed-entry prefix")
	}
	body := raw[len(sealedMagic):]

	ns := s.aead.NonceSize()
	if len(body) < ns {
		return nil, fmt.Errorf("sealed entry too short")
	}
	nonce, ct := body[:ns], body[ns:]

	compressed, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("opening sealed entry: %w", err)
	}

	plain, err := s.zdec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing entry: %w", err)
	}
	return plain, nil
}
