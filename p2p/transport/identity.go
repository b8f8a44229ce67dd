package transport

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"chainnet/p2p"
)

// Identity is the persistent key pair a node proves during the handshake.
type Identity struct {
	Key *ecdsa.PrivateKey
	ID  p2p.NodeID
}

type identityDisk struct {
	PrivateKey string `json:"privateKey"`
}

// NewIdentity wraps an existing secp256k1 key.
func NewIdentity(key *ecdsa.PrivateKey) (*Identity, error) {
	if key == nil {
		return nil, errors.New("identity key must not be nil")
	}
	return &Identity{Key: key, ID: NodeIDFromPubkey(&key.PublicKey)}, nil
}

// GenerateIdentity creates a fresh, unpersisted identity.
func GenerateIdentity() (*Identity, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return NewIdentity(key)
}

// LoadOrCreateIdentity reads a secp256k1 private key from path, generating and
// persisting one when the file does not exist yet. Both the JSON form and a
// bare hex key are accepted.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("identity path must be provided")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}

	if data, err := os.ReadFile(path); err == nil {
		return decodeIdentity(data)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	id, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}
	payload, err := json.MarshalIndent(identityDisk{PrivateKey: hex.EncodeToString(ethcrypto.FromECDSA(id.Key))}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	return id, nil
}

func decodeIdentity(data []byte) (*Identity, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, errors.New("identity file empty")
	}
	keyHex := trimmed
	if strings.HasPrefix(trimmed, "{") {
		var stored identityDisk
		if err := json.Unmarshal([]byte(trimmed), &stored); err != nil {
			return nil, fmt.Errorf("decode identity JSON: %w", err)
		}
		keyHex = strings.TrimSpace(stored.PrivateKey)
	}
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse identity key: %w", err)
	}
	return NewIdentity(key)
}

// NodeIDFromPubkey derives the node identifier: keccak256 of the uncompressed
// public key without its format byte, 0x-prefixed hex.
func NodeIDFromPubkey(pub *ecdsa.PublicKey) p2p.NodeID {
	if pub == nil {
		return ""
	}
	raw := ethcrypto.FromECDSAPub(pub)
	if len(raw) == 0 {
		return ""
	}
	return p2p.NodeID("0x" + hex.EncodeToString(ethcrypto.Keccak256(raw[1:])))
}
