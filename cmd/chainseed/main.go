// Command chainseed manages signed DNS seed records: it generates authority
// keys, signs seed entries and serves them from a local DNS stub for testing.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/miekg/dns"

	"chainnet/observability/logging"
	"chainnet/p2p/seeds"
)

// authorityFile is the on-disk output of the sign command and the input of serve.
type authorityFile struct {
	GeneratedAt string   `json:"generatedAt"`
	Domain      string   `json:"domain"`
	Lookup      string   `json:"lookup"`
	Algorithm   string   `json:"algorithm"`
	PublicKey   string   `json:"publicKey"`
	PrivateKey  string   `json:"privateKey"`
	TXT         []string `json:"txt"`
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	var err error
	switch os.Args[1] {
	case "sign":
		err = runSign(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "chainseed: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: chainseed sign|serve [flags]")
	os.Exit(2)
}

func runSign(args []string) error {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	domain := fs.String("domain", "", "Authority domain (e.g. seeds.mainnet.example.org)")
	algorithm := fs.String("algorithm", seeds.AlgorithmEd25519, "Signing algorithm: ed25519 or secp256k1")
	peer := fs.String("peer", "", "Seed to publish as id@host:port (repeatable, comma separated)")
	notBefore := fs.Int64("not-before", 0, "Optional activation timestamp (unix seconds)")
	notAfter := fs.Int64("not-after", 0, "Optional expiry timestamp (unix seconds)")
	out := fs.String("out", "authority.json", "Authority file; an existing file's key is reused")
	_ = fs.Parse(args)

	if strings.TrimSpace(*domain) == "" {
		return errors.New("--domain is required")
	}
	if strings.TrimSpace(*peer) == "" {
		return errors.New("--peer is required")
	}

	auth, signer, err := loadOrCreateAuthority(*out, strings.TrimSpace(*domain), *algorithm)
	if err != nil {
		return err
	}
	auth.TXT = auth.TXT[:0]
	for _, entry := range strings.Split(*peer, ",") {
		id, addr, ok := strings.Cut(strings.TrimSpace(entry), "@")
		if !ok {
			return fmt.Errorf("peer %q must be id@host:port", entry)
		}
		txt, err := seeds.SignRecord(signer, auth.Domain, id, addr, *notBefore, *notAfter)
		if err != nil {
			return fmt.Errorf("sign %s: %w", entry, err)
		}
		auth.TXT = append(auth.TXT, txt)
	}
	auth.GeneratedAt = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.MarshalIndent(auth, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, payload, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}

	fmt.Printf("Authority file written to %s\n\nTXT records:\n", *out)
	for _, txt := range auth.TXT {
		fmt.Printf("%s\tIN\tTXT\t\"%s\"\n", auth.Lookup, txt)
	}
	snippet, _ := json.MarshalIndent(seeds.Authority{Domain: auth.Domain, Algorithm: auth.Algorithm, PublicKey: auth.PublicKey}, "", "  ")
	fmt.Printf("\nRegistry snippet:\n%s\n", snippet)
	return nil
}

func loadOrCreateAuthority(path, domain, algorithm string) (*authorityFile, seeds.Signer, error) {
	if raw, err := os.ReadFile(path); err == nil {
		var auth authorityFile
		if err := json.Unmarshal(raw, &auth); err != nil {
			return nil, nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if !strings.EqualFold(auth.Domain, domain) {
			return nil, nil, fmt.Errorf("%s belongs to domain %s", path, auth.Domain)
		}
		signer, err := decodeSigner(auth.Algorithm, auth.PrivateKey)
		return &auth, signer, err
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, nil, err
	}

	var (
		signer  seeds.Signer
		private string
	)
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case seeds.AlgorithmEd25519:
		_, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, nil, err
		}
		signer = seeds.Ed25519Signer{Key: priv}
		private = base64.StdEncoding.EncodeToString(priv)
	case seeds.AlgorithmSecp256k1:
		key, err := ethcrypto.GenerateKey()
		if err != nil {
			return nil, nil, err
		}
		signer = seeds.Secp256k1Signer{Key: key}
		private = hex.EncodeToString(ethcrypto.FromECDSA(key))
	default:
		return nil, nil, fmt.Errorf("unsupported algorithm %q", algorithm)
	}
	return &authorityFile{
		Domain:     domain,
		Lookup:     "_chainseed." + domain,
		Algorithm:  signer.Algorithm(),
		PublicKey:  signer.PublicKey(),
		PrivateKey: private,
	}, signer, nil
}

func decodeSigner(algorithm, private string) (seeds.Signer, error) {
	switch algorithm {
	case seeds.AlgorithmEd25519:
		raw, err := base64.StdEncoding.DecodeString(private)
		if err != nil || len(raw) != ed25519.PrivateKeySize {
			return nil, errors.New("invalid ed25519 private key")
		}
		return seeds.Ed25519Signer{Key: ed25519.PrivateKey(raw)}, nil
	case seeds.AlgorithmSecp256k1:
		key, err := ethcrypto.HexToECDSA(private)
		if err != nil {
			return nil, fmt.Errorf("invalid secp256k1 private key: %w", err)
		}
		return seeds.Secp256k1Signer{Key: key}, nil
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", algorithm)
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	authorityPath := fs.String("authority", "authority.json", "Authority file written by chainseed sign")
	listenAddr := fs.String("listen", "127.0.0.1:8053", "Address to listen on (ip:port)")
	ttl := fs.Int("ttl", 60, "TXT record TTL in seconds")
	_ = fs.Parse(args)

	logger := logging.Setup("chainseed", "")
	raw, err := os.ReadFile(*authorityPath)
	if err != nil {
		return err
	}
	var auth authorityFile
	if err := json.Unmarshal(raw, &auth); err != nil {
		return fmt.Errorf("decode %s: %w", *authorityPath, err)
	}
	if len(auth.TXT) == 0 {
		return errors.New("authority file has no TXT records")
	}

	handler := newTXTHandler(auth.Lookup, auth.TXT, uint32(*ttl), logger)
	udp := &dns.Server{Addr: *listenAddr, Net: "udp", Handler: handler}
	tcp := &dns.Server{Addr: *listenAddr, Net: "tcp", Handler: handler}
	errCh := make(chan error, 2)
	go func() { errCh <- udp.ListenAndServe() }()
	go func() { errCh <- tcp.ListenAndServe() }()
	logger.Info("Seed DNS stub listening",
		slog.String("listen_addr", *listenAddr),
		slog.String("lookup", dns.Fqdn(auth.Lookup)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = udp.ShutdownContext(shutdownCtx)
	_ = tcp.ShutdownContext(shutdownCtx)
	return nil
}

// newTXTHandler answers TXT queries for lookup with records, splitting each
// value into the 255 byte strings DNS allows.
func newTXTHandler(lookup string, records []string, ttl uint32, logger *slog.Logger) dns.Handler {
	fqdn := strings.ToLower(dns.Fqdn(strings.TrimSpace(lookup)))
	return dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		msg := new(dns.Msg)
		msg.SetReply(r)
		msg.Authoritative = true
		if len(r.Question) == 0 {
			_ = w.WriteMsg(msg)
			return
		}
		q := r.Question[0]
		switch {
		case q.Qtype != dns.TypeTXT:
			msg.Rcode = dns.RcodeNotImplemented
		case strings.ToLower(q.Name) != fqdn:
			msg.Rcode = dns.RcodeNameError
		default:
			for _, value := range records {
				msg.Answer = append(msg.Answer, &dns.TXT{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: ttl},
					Txt: chunk(value, 255),
				})
			}
		}
		if _, isUDP := w.RemoteAddr().(*net.UDPAddr); isUDP {
			msg.Truncate(dns.MinMsgSize)
		}
		if err := w.WriteMsg(msg); err != nil {
			logger.Warn("Failed to write DNS response", slog.Any("error", err))
		}
	})
}

func chunk(value string, size int) []string {
	var parts []string
	for len(value) > size {
		parts = append(parts, value[:size])
		value = value[size:]
	}
	return append(parts, value)
}
