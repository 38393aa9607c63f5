package provisioning

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/miekg/dns"
)

// captiveDNS answers every A-record query with the AP's own address, so
// phones and laptops joining the hotspot get redirected into the setup
// page no matter what host they try to resolve first. It owns a private
// *dns.ServeMux rather than registering on the package-level default
// one, so a second gateway instance in the same test binary doesn't
// collide with this one's handlers.
type captiveDNS struct {
	redirectIP string
	addr       string
	srv        *dns.Server
}

func newCaptiveDNS(redirectIP, addr string) *captiveDNS {
	mux := dns.NewServeMux()
	c := &captiveDNS{redirectIP: redirectIP, addr: addr}
	mux.HandleFunc(".", c.answer)
	c.srv = &dns.Server{Addr: addr, Net: "udp", Handler: mux}
	return c
}

func (c *captiveDNS) answer(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA {
			continue
		}
		rr, err := dns.NewRR(fmt.Sprintf("%s 60 IN A %s", q.Name, c.redirectIP))
		if err != nil {
			continue
		}
		m.Answer = append(m.Answer, rr)
	}
	w.WriteMsg(m)
}

// start runs the DNS server until ctx is cancelled.
func (c *captiveDNS) start(ctx context.Context) {
	go func() {
		slog.Info("provisioning: catch-all DNS listening", "addr", c.addr, "redirect", c.redirectIP)
		if err := c.srv.ListenAndServe(); err != nil {
			slog.Error("provisioning: DNS server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		if err := c.srv.ShutdownContext(context.Background()); err != nil {
			slog.Warn("provisioning: DNS server shutdown error", "err", err)
		}
	}()
}
