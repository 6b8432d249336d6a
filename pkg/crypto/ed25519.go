package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Ed25519 signature and key sizes on the wire.
const (
	MeshSignatureSize = ed25519.SignatureSize  // 64 bytes
	MeshPublicKeySize = ed25519.PublicKeySize  // 32 bytes
)

// MeshKey wraps an Ed25519 key pair used to sign mesh-control messages
// (route requests/replies, beacons, acks, dictionaries). Ledger transactions
// and blocks use Schnorr/secp256k1 instead; both signatures are 64 bytes,
// and the two classes differ on the wire by public key size (32 vs 33 bytes).
type MeshKey struct {
	priv ed25519.PrivateKey
}

// GenerateMeshKey creates a new random Ed25519 key pair.
func GenerateMeshKey() (*MeshKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate mesh key: %w", err)
	}
	return &MeshKey{priv: priv}, nil
}

// MeshKeyFromSeed creates a key pair from a 32-byte seed.
func MeshKeyFromSeed(seed []byte) (*MeshKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("mesh key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &MeshKey{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// Sign produces a 64-byte Ed25519 signature over the message.
// Unlike Schnorr ledger signing, the full message is signed, not a hash.
func (k *MeshKey) Sign(message []byte) []byte {
	return ed25519.Sign(k.priv, message)
}

// PublicKey returns the 32-byte Ed25519 public key.
func (k *MeshKey) PublicKey() []byte {
	return k.priv.Public().(ed25519.PublicKey)
}

// Seed returns the 32-byte private seed.
func (k *MeshKey) Seed() []byte {
	return k.priv.Seed()
}

// VerifyMeshSignature checks an Ed25519 signature against a message and a
// 32-byte public key. Returns false on any error.
func VerifyMeshSignature(message, signature, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}
