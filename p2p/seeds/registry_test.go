package seeds

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

type mockResolver struct {
	records map[string][]string
	err     error
	calls   int
}

func (m *mockResolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if values, ok := m.records[name]; ok {
		return values, nil
	}
	return nil, errors.New("not found")
}

func mustRegistry(t *testing.T, payload interface{}) *Registry {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	reg, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return reg
}

func authorityRegistry(domain string, signer Signer) map[string]interface{} {
	return map[string]interface{}{
		"version": 1,
		"authorities": []map[string]interface{}{
			{
				"domain":    domain,
				"algorithm": signer.Algorithm(),
				"publicKey": signer.PublicKey(),
			},
		},
		"static": []map[string]interface{}{
			{
				"nodeId":  "0xdeadbeef",
				"address": "static.example.org:46656",
			},
		},
	}
}

func TestResolveIncludesStaticAndDnsSeeds(t *testing.T) {
	t.Parallel()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := Ed25519Signer{Key: priv}
	now := time.Unix(1_700_000_000, 0)
	txtValue, err := SignRecord(signer, "seeds.example.org", "0xABC123", "seed-1.example.org:46656",
		now.Add(-time.Minute).Unix(), now.Add(time.Hour).Unix())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	reg := mustRegistry(t, authorityRegistry("seeds.example.org", signer))
	resolver := &mockResolver{records: map[string][]string{
		"_chainseed.seeds.example.org": {txtValue},
	}}

	seeds, err := reg.Resolve(context.Background(), now, resolver)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(seeds) != 2 {
		t.Fatalf("expected 2 seeds, got %d", len(seeds))
	}
	if seeds[0].Source != "registry.static" {
		t.Fatalf("expected first seed to be static, got %q", seeds[0].Source)
	}
	if seeds[1].Source != "dns:seeds.example.org" {
		t.Fatalf("unexpected source %q", seeds[1].Source)
	}
	if seeds[1].Peer.String() != "0xabc123@seed-1.example.org:46656" {
		t.Fatalf("unexpected peer %s", seeds[1].Peer)
	}
}

func TestResolveVerifiesSecp256k1Authorities(t *testing.T) {
	t.Parallel()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := Secp256k1Signer{Key: key}
	now := time.Unix(1_700_000_000, 0)
	good, err := SignRecord(signer, "k1.example.org", "0x01", "10.0.0.1:30303", 0, 0)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	// Signed for a different zone, so the signature does not cover this domain.
	foreign, err := SignRecord(signer, "other.example.org", "0x02", "10.0.0.2:30303", 0, 0)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	reg := mustRegistry(t, authorityRegistry("k1.example.org", signer))
	resolver := &mockResolver{records: map[string][]string{
		"_chainseed.k1.example.org": {good, foreign},
	}}
	seeds, err := reg.Resolve(context.Background(), now, resolver)
	if err == nil {
		t.Fatalf("expected verification error for the foreign record")
	}
	if len(seeds) != 2 {
		t.Fatalf("expected static plus one verified seed, got %d", len(seeds))
	}
	if seeds[1].Peer.Addr != "10.0.0.1:30303" {
		t.Fatalf("unexpected verified seed %s", seeds[1].Peer)
	}
}

func TestResolvePropagatesVerificationErrors(t *testing.T) {
	t.Parallel()
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	payload, err := json.Marshal(map[string]interface{}{
		"nodeId":  "0xabc",
		"address": "seed-bad.example.org:46656",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	txtValue := recordPrefix + base64.StdEncoding.EncodeToString(payload)
	reg := mustRegistry(t, map[string]interface{}{
		"version": 1,
		"authorities": []map[string]interface{}{
			{
				"domain":    "faulty.example.org",
				"algorithm": "ed25519",
				"publicKey": base64.StdEncoding.EncodeToString(pub),
			},
		},
		"static": []map[string]interface{}{
			{
				"nodeId":  "0xbeef",
				"address": "static.example.org:46656",
			},
		},
	})
	resolver := &mockResolver{records: map[string][]string{
		"_chainseed.faulty.example.org": {txtValue},
	}}

	seeds, err := reg.Resolve(context.Background(), now, resolver)
	if err == nil {
		t.Fatalf("expected error from invalid record")
	}
	if len(seeds) != 1 || seeds[0].Source != "registry.static" {
		t.Fatalf("expected only the static seed, got %+v", seeds)
	}
}

func TestStaticRespectsActivationWindow(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	reg := mustRegistry(t, map[string]interface{}{
		"version": 1,
		"static": []map[string]interface{}{
			{
				"nodeId":    "0x123",
				"address":   "future.example.org:46656",
				"notBefore": now.Add(time.Hour).Unix(),
			},
		},
	})
	if seeds := reg.Static(now); len(seeds) != 0 {
		t.Fatalf("expected no active static seeds, got %d", len(seeds))
	}
}

func TestParseRejectsBadRegistries(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"empty":          "  ",
		"version":        `{"version":2}`,
		"algorithm":      `{"authorities":[{"domain":"a.example","algorithm":"rsa","publicKey":"AAAA"}]}`,
		"key length":     `{"authorities":[{"domain":"a.example","algorithm":"secp256k1","publicKey":"AAAA"}]}`,
		"static address": `{"static":[{"nodeId":"0x1","address":"no-port"}]}`,
	}
	for name, raw := range cases {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Fatalf("%s: expected parse error", name)
		}
	}
}

func TestLoadRegistryFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "seeds.json")
	raw := `{"version":1,"refreshSeconds":60,"static":[{"nodeId":"0x1","address":"10.0.0.1:30303"}]}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	reg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if reg.RefreshInterval() != time.Minute {
		t.Fatalf("unexpected refresh interval %v", reg.RefreshInterval())
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for a missing file")
	}
}
