package deviceutils

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// DefaultResolverAddr is the local stub resolver of systemd-resolved.
const DefaultResolverAddr = "127.0.0.53:53"

// Endpoint is a registration server advertised by an SRV record.
type Endpoint struct {
	Target   string
	Port     uint16
	Priority uint16
	Weight   uint16
}

// URL returns the https base URL of the endpoint.
func (e Endpoint) URL() string {
	host := strings.TrimSuffix(e.Target, ".")
	return "https://" + net.JoinHostPort(host, strconv.Itoa(int(e.Port)))
}

// ResolveEndpoints looks up the SRV records of name, for example
// _fleet-provisioning._tcp.example.com, using the resolver at resolverAddr.
// Endpoints are ordered by priority, then by descending weight.
func ResolveEndpoints(ctx context.Context, name, resolverAddr string) ([]Endpoint, error) {
	m := new(dns.Msg)
	m.Id = dns.Id()
	m.RecursionDesired = true
	m.Question = []dns.Question{{Name: dns.Fqdn(name), Qtype: dns.TypeSRV, Qclass: dns.ClassINET}}

	c := new(dns.Client)
	in, _, err := c.ExchangeContext(ctx, m, resolverAddr)
	if err != nil {
		return nil, fmt.Errorf("SRV lookup of %s failed: %w", name, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("SRV lookup of %s failed: %s", name, dns.RcodeToString[in.Rcode])
	}

	endpoints := make([]Endpoint, 0, len(in.Answer))
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			endpoints = append(endpoints, Endpoint{
				Target:   srv.Target,
				Port:     srv.Port,
				Priority: srv.Priority,
				Weight:   srv.Weight,
			})
		}
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no SRV records for %s", name)
	}

	sort.SliceStable(endpoints, func(i, j int) bool {
		if endpoints[i].Priority != endpoints[j].Priority {
			return endpoints[i].Priority < endpoints[j].Priority
		}
		return endpoints[i].Weight > endpoints[j].Weight
	})
	return endpoints, nil
}
