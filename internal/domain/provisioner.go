// Package domain provisions custom domains: upstream DNS record, persisted
// row, and proxy route, created as a saga with compensation on each failure.
package domain

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/labuh/labuh/internal/apperr"
	"github.com/labuh/labuh/internal/dns"
	"github.com/labuh/labuh/internal/models"
)

// RouteProgrammer is the slice of the proxy client the provisioner drives.
type RouteProgrammer interface {
	AddRoute(ctx context.Context, domain, upstream string, showBranding bool) error
	RemoveRoute(ctx context.Context, domain string) error
}

// Verifier probes whether a domain resolves to the expected target.
type Verifier interface {
	Verify(ctx context.Context, fqdn, expectedIP string) bool
}

type Provisioner struct {
	domains    *models.DomainStore
	dnsConfigs *models.DNSConfigStore
	router     RouteProgrammer
	verifier   Verifier
	publicIP   string

	// providerFor builds the DNS provider client; swapped in tests.
	providerFor func(models.DNSProvider, json.RawMessage) (dns.Provider, error)
}

func NewProvisioner(domains *models.DomainStore, dnsConfigs *models.DNSConfigStore, router RouteProgrammer, publicIP string) *Provisioner {
	return &Provisioner{
		domains:     domains,
		dnsConfigs:  dnsConfigs,
		router:      router,
		verifier:    dns.NewVerifier(),
		publicIP:    publicIP,
		providerFor: dns.ForDomain,
	}
}

// target returns what the DNS record should point at.
func (p *Provisioner) target(d *models.Domain) string {
	if d.Type == models.DomainTunnel {
		return d.TunnelID + ".cfargotunnel.com"
	}
	return p.publicIP
}

// provider resolves the team's DNS provider client for a domain, or nil for
// Custom (the user manages DNS themselves).
func (p *Provisioner) provider(d *models.Domain, teamID string) (dns.Provider, error) {
	if d.Provider == models.ProviderCustom {
		return nil, nil
	}
	cfg, err := p.dnsConfigs.Get(teamID, d.Provider)
	if err != nil {
		return nil, err
	}
	return p.providerFor(d.Provider, cfg.Config)
}

// Provision runs the three-step saga: create the upstream DNS record, persist
// the domain row, install the proxy route. Each failure compensates the steps
// already taken, so a failed provision leaves no trace.
func (p *Provisioner) Provision(ctx context.Context, teamID string, d *models.Domain) error {
	provider, err := p.provider(d, teamID)
	if err != nil {
		return err
	}

	// Step 1: upstream record (skipped for Custom).
	if provider != nil {
		recordID, err := provider.CreateRecord(ctx, d.Domain, p.target(d))
		if err != nil {
			return err
		}
		d.DNSRecordID = recordID
	}

	// Step 2: persisted row.
	if err := p.domains.Create(d); err != nil {
		p.compensateRecord(ctx, provider, d)
		return err
	}

	// Step 3: proxy route.
	if d.Type == models.DomainCaddy {
		if err := p.router.AddRoute(ctx, d.Domain, d.Upstream(), d.ShowBranding); err != nil {
			if derr := p.domains.Delete(d.ID); derr != nil {
				slog.Error("saga compensation: delete domain row failed", "domain", d.Domain, "err", derr)
			}
			p.compensateRecord(ctx, provider, d)
			return err
		}
	}

	slog.Info("domain provisioned", "domain", d.Domain, "upstream", d.Upstream(), "provider", d.Provider)
	return nil
}

// compensateRecord undoes step 1. Compensation failures are logged, never
// propagated: the original error is what the caller needs to see.
func (p *Provisioner) compensateRecord(ctx context.Context, provider dns.Provider, d *models.Domain) {
	if provider == nil || d.DNSRecordID == "" {
		return
	}
	if err := provider.DeleteRecord(ctx, d.DNSRecordID); err != nil {
		slog.Error("saga compensation: delete dns record failed",
			"domain", d.Domain, "record", d.DNSRecordID, "err", err)
	}
	d.DNSRecordID = ""
}

// Remove tears a domain down in reverse order: upstream record, proxy route,
// then the row. Record and route errors are logged and skipped so a domain
// can always be removed even when the upstream state has drifted.
func (p *Provisioner) Remove(ctx context.Context, teamID, fqdn string) error {
	d, err := p.domains.GetByName(fqdn)
	if err != nil {
		return err
	}

	if d.DNSRecordID != "" {
		provider, err := p.provider(d, teamID)
		if err != nil {
			slog.Warn("dns provider unavailable during removal, record left behind",
				"domain", fqdn, "err", err)
		} else if provider != nil {
			if err := provider.DeleteRecord(ctx, d.DNSRecordID); err != nil {
				slog.Warn("delete dns record failed during removal", "domain", fqdn, "err", err)
			}
		}
	}

	if d.Type == models.DomainCaddy {
		if err := p.router.RemoveRoute(ctx, d.Domain); err != nil && !apperr.Is(err, apperr.NotFound) {
			slog.Warn("remove proxy route failed during removal", "domain", fqdn, "err", err)
		}
	}

	return p.domains.Delete(d.ID)
}

// RemoveForStack removes every domain attached to a stack (cascade on stack
// removal).
func (p *Provisioner) RemoveForStack(ctx context.Context, teamID, stackID string) error {
	domains, err := p.domains.ListForStack(stackID)
	if err != nil {
		return err
	}
	for _, d := range domains {
		if err := p.Remove(ctx, teamID, d.Domain); err != nil {
			return err
		}
	}
	return nil
}

// SyncAllRoutes reinstalls the proxy route for every Caddy-type domain. Run
// after the proxy bootstrap on controller start; AddRoute removes before
// inserting, so repeated syncs leave exactly one route per domain.
func (p *Provisioner) SyncAllRoutes(ctx context.Context) error {
	domains, err := p.domains.ListByType(models.DomainCaddy)
	if err != nil {
		return err
	}
	for _, d := range domains {
		if err := p.router.AddRoute(ctx, d.Domain, d.Upstream(), d.ShowBranding); err != nil {
			slog.Error("route sync failed", "domain", d.Domain, "err", err)
		}
	}
	slog.Info("proxy routes synced", "count", len(domains))
	return nil
}

// VerifyDomain runs the resolution probe and writes the result back.
func (p *Provisioner) VerifyDomain(ctx context.Context, id string) (bool, error) {
	d, err := p.domains.GetByID(id)
	if err != nil {
		return false, err
	}
	verified := p.verifier.Verify(ctx, d.Domain, p.publicIP)
	if err := p.domains.SetVerified(d.ID, verified); err != nil {
		return false, err
	}
	return verified, nil
}
