package resolver

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// Resolver looks up the tunnel server through a fixed set of bootstrap DNS
// servers, falling back to the system resolver when none are configured.
type Resolver struct {
	servers []string
	client  *dns.Client
	logger  *logrus.Logger
}

type ErrResolve struct {
	Host  string
	Cause error
}

func (e ErrResolve) Error() string {
	return fmt.Sprintf("failed to resolve %s: %s", e.Host, e.Cause.Error())
}

func (e ErrResolve) Unwrap() error { return e.Cause }

func New(servers []string, timeout time.Duration, logger *logrus.Logger) *Resolver {
	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		normalized = append(normalized, s)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Resolver{
		servers: normalized,
		client:  &dns.Client{Net: "udp", Timeout: timeout},
		logger:  logger,
	}
}

// Resolve returns the first IPv4 address of host. IP literals are returned as is.
func (r *Resolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}

	if len(r.servers) == 0 {
		addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
		if err != nil {
			return netip.Addr{}, ErrResolve{Host: host, Cause: err}
		}
		if len(addrs) == 0 {
			return netip.Addr{}, ErrResolve{Host: host, Cause: fmt.Errorf("no A records")}
		}
		return addrs[0].Unmap(), nil
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			r.logger.WithError(err).WithField("server", server).Debug("bootstrap DNS query failed")
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("%s answered %s", server, dns.RcodeToString[resp.Rcode])
			continue
		}
		for _, rr := range resp.Answer {
			if a, ok := rr.(*dns.A); ok {
				if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
					return addr, nil
				}
			}
		}
		lastErr = fmt.Errorf("%s returned no A records", server)
	}

	return netip.Addr{}, ErrResolve{Host: host, Cause: lastErr}
}
