package seeds

import (
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newEd25519Signer(t *testing.T) Ed25519Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return Ed25519Signer{Key: priv}
}

func TestSourceCachesForRefreshInterval(t *testing.T) {
	signer := newEd25519Signer(t)
	record, err := SignRecord(signer, "seeds.example.org", "0x0b", "10.0.0.11:30303", 0, 0)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	reg := mustRegistry(t, map[string]interface{}{
		"refreshSeconds": 60,
		"authorities": []map[string]interface{}{
			{"domain": "seeds.example.org", "publicKey": signer.PublicKey()},
		},
	})
	resolver := &mockResolver{records: map[string][]string{"_chainseed.seeds.example.org": {record}}}
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	src := NewSource(reg, resolver, clk, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for i := 0; i < 3; i++ {
		peers, err := src.Resolve(context.Background())
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if len(peers) != 1 || peers[0].String() != "0x0b@10.0.0.11:30303" {
			t.Fatalf("unexpected peers %+v", peers)
		}
	}
	if resolver.calls != 1 {
		t.Fatalf("expected one lookup while cached, got %d", resolver.calls)
	}
	clk.Add(61 * time.Second)
	if _, err := src.Resolve(context.Background()); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolver.calls != 2 {
		t.Fatalf("expected refresh after interval, got %d lookups", resolver.calls)
	}
}

func TestSourceDoesNotCacheEmptyResults(t *testing.T) {
	signer := newEd25519Signer(t)
	reg := mustRegistry(t, map[string]interface{}{
		"authorities": []map[string]interface{}{
			{"domain": "down.example.org", "publicKey": signer.PublicKey()},
		},
	})
	resolver := &mockResolver{err: errors.New("timeout")}
	src := NewSource(reg, resolver, clock.NewMock(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	for i := 0; i < 2; i++ {
		peers, err := src.Resolve(context.Background())
		if err == nil {
			t.Fatalf("expected lookup error")
		}
		if len(peers) != 0 {
			t.Fatalf("expected no peers, got %d", len(peers))
		}
	}
	if resolver.calls != 2 {
		t.Fatalf("expected every call to query DNS, got %d", resolver.calls)
	}
}
