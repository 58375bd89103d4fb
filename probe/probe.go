// Package probe validates connectivity by asking the local resolver to
// answer a real query. The resolver's cache is flushed on every
// bring-up, so a successful answer proves the carrier path works.
package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// DefaultResolver is the local unbound instance this daemon manages.
const DefaultResolver = "127.0.0.1:53"

const probeName = "pool.ntp.org."

// Resolver issues probe queries against one resolver address.
type Resolver struct {
	client *dns.Client
	addr   string
	name   string
}

// New returns a prober against addr, or DefaultResolver when empty.
func New(addr string) *Resolver {
	if addr == "" {
		addr = DefaultResolver
	}
	return &Resolver{
		client: &dns.Client{Timeout: 5 * time.Second},
		addr:   addr,
		name:   probeName,
	}
}

// Check issues one recursive A query and succeeds on any answer with a
// successful response code.
func (r *Resolver) Check(ctx context.Context) error {
	m := new(dns.Msg)
	m.SetQuestion(r.name, dns.TypeA)
	m.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, m, r.addr)
	if err != nil {
		return fmt.Errorf("query %s: %w", r.name, err)
	}

	if resp.Rcode != dns.RcodeSuccess {
		return fmt.Errorf("query %s: %s", r.name, dns.RcodeToString[resp.Rcode])
	}
	return nil
}
