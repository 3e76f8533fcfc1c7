package dns

import (
	"context"
	"net"
)

// Verifier probes public DNS to check whether a domain points at this host.
type Verifier struct {
	resolver *net.Resolver
}

func NewVerifier() *Verifier {
	return &Verifier{resolver: net.DefaultResolver}
}

// Verify reports whether fqdn resolves acceptably for expectedIP. A domain
// counts as verified when the expected IP shows up in the A answers, or when
// it does not but the name resolves to something (CNAME chains through
// tunnels or other proxies land here).
func (v *Verifier) Verify(ctx context.Context, fqdn, expectedIP string) bool {
	ips, _ := v.resolver.LookupHost(ctx, fqdn)
	for _, ip := range ips {
		if ip == expectedIP {
			return true
		}
	}
	if len(ips) > 0 {
		return true
	}

	cname, err := v.resolver.LookupCNAME(ctx, fqdn)
	return err == nil && cname != ""
}
