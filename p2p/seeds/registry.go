package seeds

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"chainnet/p2p"
)

const (
	recordPrefix             = "chainseed:v1:"
	defaultLookupPrefix      = "_chainseed."
	defaultRefreshInterval   = 15 * time.Minute
	supportedRegistryVersion = 1
)

var errEmptyRegistry = errors.New("seed registry payload must not be empty")

// Registry lists the DNS authorities allowed to publish signed seed records
// together with static fallbacks for when every authority is unreachable.
type Registry struct {
	Version        int            `json:"version"`
	RefreshSeconds int            `json:"refreshSeconds,omitempty"`
	Authorities    []Authority    `json:"authorities"`
	StaticSeeds    []StaticRecord `json:"static"`
}

// Authority describes a DNS zone whose TXT records are signed with one key.
type Authority struct {
	Domain    string `json:"domain"`
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"publicKey"`
	Lookup    string `json:"lookup,omitempty"`
	NotBefore int64  `json:"notBefore,omitempty"`
	NotAfter  int64  `json:"notAfter,omitempty"`
}

// StaticRecord is an unsigned seed bundled with the registry file.
type StaticRecord struct {
	NodeID    string `json:"nodeId"`
	Address   string `json:"address"`
	Source    string `json:"source,omitempty"`
	NotBefore int64  `json:"notBefore,omitempty"`
	NotAfter  int64  `json:"notAfter,omitempty"`
}

// ResolvedSeed is a validated seed produced by an authority or the static section.
type ResolvedSeed struct {
	Peer      p2p.PeerAddr
	Source    string
	NotBefore int64
	NotAfter  int64
}

// Active reports whether the seed's validity window contains now.
func (s ResolvedSeed) Active(now time.Time) bool {
	return withinWindow(now, s.NotBefore, s.NotAfter)
}

// Resolver abstracts DNS TXT lookups so tests can supply in-memory fixtures.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Load reads a registry from a JSON file.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed registry: %w", err)
	}
	return Parse(raw)
}

// Parse builds a Registry from its JSON encoding.
func Parse(raw []byte) (*Registry, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, errEmptyRegistry
	}
	var reg Registry
	if err := json.Unmarshal([]byte(trimmed), &reg); err != nil {
		return nil, fmt.Errorf("seed registry: invalid JSON payload: %w", err)
	}
	if reg.Version == 0 {
		reg.Version = supportedRegistryVersion
	}
	if reg.Version != supportedRegistryVersion {
		return nil, fmt.Errorf("seed registry: unsupported version %d", reg.Version)
	}
	if err := reg.validate(); err != nil {
		return nil, err
	}
	return &reg, nil
}

// RefreshInterval returns how long resolved seeds stay cached.
func (r *Registry) RefreshInterval() time.Duration {
	if r == nil || r.RefreshSeconds <= 0 {
		return defaultRefreshInterval
	}
	return time.Duration(r.RefreshSeconds) * time.Second
}

// Static resolves the static fallback entries that are currently active.
func (r *Registry) Static(now time.Time) []ResolvedSeed {
	if r == nil {
		return nil
	}
	results := make([]ResolvedSeed, 0, len(r.StaticSeeds))
	for _, entry := range r.StaticSeeds {
		seed, err := entry.toSeed()
		if err != nil || !seed.Active(now) {
			continue
		}
		results = append(results, seed)
	}
	return dedupeSeeds(results)
}

// Resolve queries every active authority and returns the verified seeds
// together with the static entries. Per-authority failures are joined into
// the returned error while the seeds that did verify are still returned.
func (r *Registry) Resolve(ctx context.Context, now time.Time, resolver Resolver) ([]ResolvedSeed, error) {
	if r == nil {
		return nil, nil
	}
	results := r.Static(now)
	if len(r.Authorities) == 0 {
		return results, nil
	}
	if resolver == nil {
		resolver = NewDNSResolver("", 0)
	}
	var errs []error
	for _, auth := range r.Authorities {
		if !withinWindow(now, auth.NotBefore, auth.NotAfter) {
			continue
		}
		seeds, err := auth.resolve(ctx, now, resolver)
		results = append(results, seeds...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return dedupeSeeds(results), errors.Join(errs...)
}

func (r *Registry) validate() error {
	for i := range r.Authorities {
		if err := r.Authorities[i].validate(); err != nil {
			return fmt.Errorf("seed registry: authority #%d: %w", i+1, err)
		}
	}
	for i := range r.StaticSeeds {
		if _, err := r.StaticSeeds[i].toSeed(); err != nil {
			return fmt.Errorf("seed registry: static seed #%d: %w", i+1, err)
		}
	}
	return nil
}

func (a Authority) validate() error {
	if strings.TrimSpace(a.Domain) == "" {
		return errors.New("domain must not be empty")
	}
	if _, err := a.verifier(); err != nil {
		return err
	}
	if a.NotAfter > 0 && a.NotBefore > 0 && a.NotAfter < a.NotBefore {
		return errors.New("notAfter must be >= notBefore")
	}
	return nil
}

func (a Authority) verifier() (verifier, error) {
	return newVerifier(a.Algorithm, a.PublicKey)
}

func (a Authority) lookupName() string {
	if name := strings.TrimSpace(a.Lookup); name != "" {
		return name
	}
	return defaultLookupPrefix + strings.TrimSpace(a.Domain)
}

func (a Authority) resolve(ctx context.Context, now time.Time, resolver Resolver) ([]ResolvedSeed, error) {
	name := a.lookupName()
	txtRecords, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("dns %s lookup failed: %w", name, err)
	}
	verify, err := a.verifier()
	if err != nil {
		return nil, err
	}
	seeds := make([]ResolvedSeed, 0, len(txtRecords))
	var errs []error
	for _, record := range txtRecords {
		seed, err := a.parseTXT(record, verify)
		if err != nil {
			errs = append(errs, fmt.Errorf("dns %s invalid record: %w", name, err))
			continue
		}
		if !seed.Active(now) {
			continue
		}
		seeds = append(seeds, seed)
	}
	return dedupeSeeds(seeds), errors.Join(errs...)
}

func (a Authority) parseTXT(record string, verify verifier) (ResolvedSeed, error) {
	trimmed := strings.TrimSpace(record)
	if trimmed == "" {
		return ResolvedSeed{}, errors.New("empty TXT record")
	}
	payload, ok := strings.CutPrefix(trimmed, recordPrefix)
	if !ok {
		return ResolvedSeed{}, fmt.Errorf("record missing prefix %q", recordPrefix)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return ResolvedSeed{}, fmt.Errorf("base64 decode: %w", err)
	}
	var entry dnsRecord
	if err := json.Unmarshal(raw, &entry); err != nil {
		return ResolvedSeed{}, fmt.Errorf("invalid JSON payload: %w", err)
	}
	return entry.toSeed(strings.TrimSpace(a.Domain), verify)
}

func (s StaticRecord) toSeed() (ResolvedSeed, error) {
	if s.NotAfter > 0 && s.NotBefore > 0 && s.NotAfter < s.NotBefore {
		return ResolvedSeed{}, errors.New("notAfter must be >= notBefore")
	}
	peer, err := parsePeer(s.NodeID, s.Address)
	if err != nil {
		return ResolvedSeed{}, err
	}
	source := strings.TrimSpace(s.Source)
	if source == "" {
		source = "registry.static"
	}
	return ResolvedSeed{Peer: peer, Source: source, NotBefore: s.NotBefore, NotAfter: s.NotAfter}, nil
}

type dnsRecord struct {
	NodeID    string `json:"nodeId"`
	Address   string `json:"address"`
	NotBefore int64  `json:"notBefore,omitempty"`
	NotAfter  int64  `json:"notAfter,omitempty"`
	Signature string `json:"signature"`
}

func (d dnsRecord) toSeed(domain string, verify verifier) (ResolvedSeed, error) {
	peer, err := parsePeer(d.NodeID, d.Address)
	if err != nil {
		return ResolvedSeed{}, err
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(d.Signature))
	if err != nil {
		return ResolvedSeed{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	message := buildSigningMessage(string(peer.ID), peer.Addr, d.NotBefore, d.NotAfter, domain)
	if err := verify.Verify(message, sig); err != nil {
		return ResolvedSeed{}, err
	}
	return ResolvedSeed{
		Peer:      peer,
		Source:    "dns:" + domain,
		NotBefore: d.NotBefore,
		NotAfter:  d.NotAfter,
	}, nil
}

func parsePeer(nodeID, address string) (p2p.PeerAddr, error) {
	id := p2p.NormalizeNodeID(nodeID)
	if id == "" {
		return p2p.PeerAddr{}, errors.New("nodeId must not be empty")
	}
	if strings.TrimSpace(address) == "" {
		return p2p.PeerAddr{}, errors.New("address must not be empty")
	}
	return p2p.ParsePeerAddr(string(id) + "@" + address)
}

// buildSigningMessage is the byte string authorities sign for each record.
func buildSigningMessage(nodeID, addr string, notBefore, notAfter int64, domain string) []byte {
	normalizedDomain := strings.ToLower(strings.TrimSpace(domain))
	var builder strings.Builder
	builder.Grow(len(nodeID) + len(addr) + len(normalizedDomain) + 40)
	builder.WriteString(nodeID)
	builder.WriteString("\n")
	builder.WriteString(addr)
	builder.WriteString("\n")
	fmt.Fprintf(&builder, "%d\n%d\n", notBefore, notAfter)
	builder.WriteString(normalizedDomain)
	return []byte(builder.String())
}

func withinWindow(now time.Time, notBefore, notAfter int64) bool {
	if notBefore > 0 && now.Unix() < notBefore {
		return false
	}
	if notAfter > 0 && now.Unix() > notAfter {
		return false
	}
	return true
}

func dedupeSeeds(in []ResolvedSeed) []ResolvedSeed {
	seen := make(map[string]struct{}, len(in))
	result := make([]ResolvedSeed, 0, len(in))
	for _, seed := range in {
		key := seed.Peer.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, seed)
	}
	return result
}
