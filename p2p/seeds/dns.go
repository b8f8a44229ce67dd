package seeds

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const (
	defaultDNSTimeout = 5 * time.Second
	resolvConfPath    = "/etc/resolv.conf"
)

// DNSResolver performs TXT lookups against one DNS server, retrying over TCP
// when a UDP answer is truncated. Without a configured server it uses the
// first nameserver from resolv.conf, and the Go resolver as a last resort.
type DNSResolver struct {
	server string
	udp    *dns.Client
	tcp    *dns.Client
}

// NewDNSResolver returns a resolver for server (host:port, port defaults to 53).
func NewDNSResolver(server string, timeout time.Duration) *DNSResolver {
	if timeout <= 0 {
		timeout = defaultDNSTimeout
	}
	server = strings.TrimSpace(server)
	if server == "" {
		if conf, err := dns.ClientConfigFromFile(resolvConfPath); err == nil && len(conf.Servers) > 0 {
			server = net.JoinHostPort(conf.Servers[0], conf.Port)
		}
	} else if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &DNSResolver{
		server: server,
		udp:    &dns.Client{Net: "udp", Timeout: timeout},
		tcp:    &dns.Client{Net: "tcp", Timeout: timeout},
	}
}

// LookupTXT returns every TXT record at name, each record's strings joined.
func (r *DNSResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	if r.server == "" {
		return net.DefaultResolver.LookupTXT(ctx, name)
	}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	msg.RecursionDesired = true

	resp, _, err := r.udp.ExchangeContext(ctx, msg, r.server)
	if err == nil && resp.Truncated {
		resp, _, err = r.tcp.ExchangeContext(ctx, msg, r.server)
	}
	if err != nil {
		return nil, fmt.Errorf("query %s via %s: %w", name, r.server, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("query %s via %s: %s", name, r.server, dns.RcodeToString[resp.Rcode])
	}
	var out []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out, nil
}
