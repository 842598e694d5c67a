// Package identity holds the local account that signs events and acts on
// ownables. Key management beyond deterministic derivation is out of scope.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DefaultNetwork is the network id used when none is configured ('T' = testnet).
const DefaultNetwork byte = 'T'

// Account is an Ed25519 keypair bound to a network id.
type Account struct {
	network byte
	pub     ed25519.PublicKey
	priv    ed25519.PrivateKey
}

// NewAccount derives a deterministic account from seed using HKDF-SHA256.
// The network id is used as HKDF info so one seed yields distinct keys per
// network.
func NewAccount(seed []byte, network byte) (*Account, error) {
	if len(seed) == 0 {
		return nil, fmt.Errorf("identity: seed must not be empty")
	}
	kdf := hkdf.New(sha256.New, seed, []byte("ownables-account"), []byte{network})
	keySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(kdf, keySeed); err != nil {
		return nil, fmt.Errorf("identity: derive key: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(keySeed)
	return &Account{
		network: network,
		pub:     priv.Public().(ed25519.PublicKey),
		priv:    priv,
	}, nil
}

// GenerateAccount creates an account from fresh randomness.
func GenerateAccount(network byte) (*Account, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("identity: random seed: %w", err)
	}
	return NewAccount(seed, network)
}

// Network returns the network id.
func (a *Account) Network() byte { return a.network }

// PublicKey returns the hex-encoded public key.
func (a *Account) PublicKey() string { return hex.EncodeToString(a.pub) }

// Address returns the account address on its network.
func (a *Account) Address() string { return AddressOf(a.pub, a.network) }

// Sign signs data and returns the hex-encoded signature.
func (a *Account) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(a.priv, data))
}

// AddressOf derives the address for a public key: the network id followed by
// the hex of the first 20 bytes of SHA-256(pub).
func AddressOf(pub ed25519.PublicKey, network byte) string {
	sum := sha256.Sum256(pub)
	return string(network) + hex.EncodeToString(sum[:20])
}

// AddressOfHex is AddressOf for a hex-encoded public key.
func AddressOfHex(pubHex string, network byte) (string, error) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return "", fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid public key size %d", len(pub))
	}
	return AddressOf(pub, network), nil
}

// Verify checks a hex signature against a hex public key.
func Verify(pubHex, sigHex string, data []byte) (bool, error) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig), nil
}
