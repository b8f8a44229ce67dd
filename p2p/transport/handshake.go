package transport

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"chainnet/p2p"
)

const (
	helloVersion   uint32 = 1
	helloNonceSize        = 32
)

var (
	// ErrHandshake wraps every reason a remote hello was refused.
	ErrHandshake = errors.New("transport: handshake rejected")
	errReplay    = errors.New("nonce replay detected")
)

type helloMessage struct {
	Version   uint32 `json:"version"`
	Network   string `json:"network"`
	PubKey    string `json:"pubKey"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"ts"`
}

type helloPacket struct {
	helloMessage
	Signature string `json:"sig"`
}

func (t *TCP) buildHello() (*helloPacket, error) {
	nonce := make([]byte, helloNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate hello nonce: %w", err)
	}
	msg := helloMessage{
		Version:   helloVersion,
		Network:   t.cfg.Network,
		PubKey:    encodeHex(ethcrypto.FromECDSAPub(&t.identity.Key.PublicKey)),
		Nonce:     encodeHex(nonce),
		Timestamp: t.clock.Now().Unix(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal hello: %w", err)
	}
	sig, err := ethcrypto.Sign(helloDigest(body, msg.Timestamp), t.identity.Key)
	if err != nil {
		return nil, fmt.Errorf("sign hello: %w", err)
	}
	return &helloPacket{helloMessage: msg, Signature: encodeHex(sig)}, nil
}

// verifyHello checks a remote hello and returns the identity it proves.
func (t *TCP) verifyHello(packet *helloPacket) (p2p.NodeID, error) {
	if packet.Version != helloVersion {
		return "", fmt.Errorf("%w: unsupported version %d", ErrHandshake, packet.Version)
	}
	if packet.Network != t.cfg.Network {
		return "", fmt.Errorf("%w: network mismatch: remote %q local %q", ErrHandshake, packet.Network, t.cfg.Network)
	}
	nonce, err := decodeHex(packet.Nonce)
	if err != nil || len(nonce) != helloNonceSize {
		return "", fmt.Errorf("%w: invalid nonce", ErrHandshake)
	}
	now := t.clock.Now()
	ts := time.Unix(packet.Timestamp, 0)
	if now.Sub(ts) > t.cfg.MaxClockSkew || ts.Sub(now) > t.cfg.MaxClockSkew {
		return "", fmt.Errorf("%w: timestamp skew too large", ErrHandshake)
	}
	pub, err := parsePubkey(packet.PubKey)
	if err != nil {
		return "", fmt.Errorf("%w: invalid public key: %v", ErrHandshake, err)
	}
	sig, err := decodeHex(packet.Signature)
	if err != nil || len(sig) != ethcrypto.SignatureLength {
		return "", fmt.Errorf("%w: invalid signature encoding", ErrHandshake)
	}
	body, err := json.Marshal(packet.helloMessage)
	if err != nil {
		return "", fmt.Errorf("marshal hello for verification: %w", err)
	}
	recovered, err := ethcrypto.SigToPub(helloDigest(body, packet.Timestamp), sig)
	if err != nil {
		return "", fmt.Errorf("%w: recover signature: %v", ErrHandshake, err)
	}
	if !bytes.Equal(ethcrypto.FromECDSAPub(recovered), ethcrypto.FromECDSAPub(pub)) {
		return "", fmt.Errorf("%w: signature does not match public key", ErrHandshake)
	}
	id := NodeIDFromPubkey(pub)
	if id == t.identity.ID {
		return "", fmt.Errorf("%w: %v", ErrHandshake, p2p.ErrSelfDial)
	}
	if !t.remember(id, packet.Nonce) {
		return "", fmt.Errorf("%w: %v", ErrHandshake, errReplay)
	}
	return id, nil
}

// remember records a (node, nonce) pair and reports whether it was new.
func (t *TCP) remember(id p2p.NodeID, nonce string) bool {
	key := string(id) + "|" + strings.ToLower(nonce)
	t.replayMu.Lock()
	defer t.replayMu.Unlock()
	if t.replay.Contains(key) {
		return false
	}
	t.replay.Add(key, struct{}{})
	return true
}

func helloDigest(payload []byte, timestamp int64) []byte {
	return ethcrypto.Keccak256([]byte(fmt.Sprintf("chainnet-p2p|hello|%s|%d", payload, timestamp)))
}

func parsePubkey(value string) (*ecdsa.PublicKey, error) {
	raw, err := decodeHex(value)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.New("missing public key")
	}
	return ethcrypto.UnmarshalPubkey(raw)
}

func encodeHex(data []byte) string {
	return "0x" + hex.EncodeToString(data)
}

func decodeHex(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		value = value[2:]
	}
	return hex.DecodeString(value)
}
