// Package dns abstracts the upstream DNS providers used to point custom
// domains at this host, plus the verification probe.
package dns

import (
	"context"
	"encoding/json"
	"net"

	"github.com/labuh/labuh/internal/apperr"
	"github.com/labuh/labuh/internal/models"
)

// Provider creates and deletes one DNS record at an upstream API.
type Provider interface {
	// CreateRecord points fqdn at target and returns the provider's record id.
	// An A record is created when target is a literal IP, a CNAME otherwise.
	CreateRecord(ctx context.Context, fqdn, target string) (string, error)

	// DeleteRecord removes a record previously returned by CreateRecord.
	DeleteRecord(ctx context.Context, recordID string) error
}

// RecordType returns "A" for literal IPs and "CNAME" for everything else.
func RecordType(target string) string {
	if net.ParseIP(target) != nil {
		return "A"
	}
	return "CNAME"
}

// ForDomain builds the provider for one domain from the team's stored config
// blob. Custom means the user manages DNS themselves, so no provider is
// returned and the caller skips record creation.
func ForDomain(provider models.DNSProvider, cfg json.RawMessage) (Provider, error) {
	switch provider {
	case models.ProviderCustom:
		return nil, nil
	case models.ProviderCloudflare:
		return NewCloudflare(cfg)
	case models.ProviderCPanel:
		return NewCPanel(cfg)
	default:
		return nil, apperr.Errorf(apperr.Validation, "unknown dns provider %q", provider)
	}
}
