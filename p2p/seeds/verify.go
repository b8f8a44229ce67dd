package seeds

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	AlgorithmEd25519   = "ed25519"
	AlgorithmSecp256k1 = "secp256k1"
)

var errBadSignature = errors.New("signature verification failed")

type verifier interface {
	Verify(message, sig []byte) error
}

type ed25519Verifier ed25519.PublicKey

func (v ed25519Verifier) Verify(message, sig []byte) error {
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("signature must be %d bytes", ed25519.SignatureSize)
	}
	if !ed25519.Verify(ed25519.PublicKey(v), message, sig) {
		return errBadSignature
	}
	return nil
}

// secp256k1Verifier checks Ethereum-style signatures over the keccak256 digest.
type secp256k1Verifier []byte

func (v secp256k1Verifier) Verify(message, sig []byte) error {
	if len(sig) != crypto.SignatureLength && len(sig) != crypto.SignatureLength-1 {
		return fmt.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	if !crypto.VerifySignature(v, crypto.Keccak256(message), sig[:64]) {
		return errBadSignature
	}
	return nil
}

func newVerifier(algorithm, publicKey string) (verifier, error) {
	trimmed := strings.TrimSpace(publicKey)
	if trimmed == "" {
		return nil, errors.New("publicKey must not be empty")
	}
	keyBytes, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid publicKey encoding: %w", err)
	}
	switch normalizeAlgorithm(algorithm) {
	case AlgorithmEd25519:
		if len(keyBytes) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("publicKey must be %d bytes", ed25519.PublicKeySize)
		}
		return ed25519Verifier(keyBytes), nil
	case AlgorithmSecp256k1:
		switch len(keyBytes) {
		case 33:
			if _, err := crypto.DecompressPubkey(keyBytes); err != nil {
				return nil, fmt.Errorf("invalid secp256k1 publicKey: %w", err)
			}
		case 65:
			if _, err := crypto.UnmarshalPubkey(keyBytes); err != nil {
				return nil, fmt.Errorf("invalid secp256k1 publicKey: %w", err)
			}
		default:
			return nil, errors.New("secp256k1 publicKey must be 33 or 65 bytes")
		}
		return secp256k1Verifier(keyBytes), nil
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", algorithm)
	}
}

func normalizeAlgorithm(algorithm string) string {
	normalized := strings.ToLower(strings.TrimSpace(algorithm))
	if normalized == "" {
		return AlgorithmEd25519
	}
	return normalized
}

// Signer produces authority signatures for seed records.
type Signer interface {
	Algorithm() string
	PublicKey() string
	Sign(message []byte) ([]byte, error)
}

// Ed25519Signer signs records with an ed25519 key.
type Ed25519Signer struct {
	Key ed25519.PrivateKey
}

func (s Ed25519Signer) Algorithm() string { return AlgorithmEd25519 }

func (s Ed25519Signer) PublicKey() string {
	return base64.StdEncoding.EncodeToString(s.Key.Public().(ed25519.PublicKey))
}

func (s Ed25519Signer) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.Key, message), nil
}

// Secp256k1Signer signs the keccak256 digest of records with an ECDSA key.
type Secp256k1Signer struct {
	Key *ecdsa.PrivateKey
}

func (s Secp256k1Signer) Algorithm() string { return AlgorithmSecp256k1 }

func (s Secp256k1Signer) PublicKey() string {
	return base64.StdEncoding.EncodeToString(crypto.CompressPubkey(&s.Key.PublicKey))
}

func (s Secp256k1Signer) Sign(message []byte) ([]byte, error) {
	return crypto.Sign(crypto.Keccak256(message), s.Key)
}

// SignRecord returns the TXT value an authority for domain publishes to
// announce peer.
func SignRecord(signer Signer, domain, nodeID, address string, notBefore, notAfter int64) (string, error) {
	peer, err := parsePeer(nodeID, address)
	if err != nil {
		return "", err
	}
	message := buildSigningMessage(string(peer.ID), peer.Addr, notBefore, notAfter, domain)
	sig, err := signer.Sign(message)
	if err != nil {
		return "", fmt.Errorf("sign seed record: %w", err)
	}
	payload, err := json.Marshal(dnsRecord{
		NodeID:    string(peer.ID),
		Address:   peer.Addr,
		NotBefore: notBefore,
		NotAfter:  notAfter,
		Signature: base64.StdEncoding.EncodeToString(sig),
	})
	if err != nil {
		return "", err
	}
	return recordPrefix + base64.StdEncoding.EncodeToString(payload), nil
}
