package dns

import (
	"context"
	"encoding/json"

	"github.com/labuh/labuh/internal/apperr"
)

// CPanel is a placeholder for cPanel-hosted zones. The config blob is
// accepted so teams can store credentials ahead of time, but record
// operations are not implemented yet.
type CPanel struct{}

func NewCPanel(_ json.RawMessage) (*CPanel, error) {
	return &CPanel{}, nil
}

func (*CPanel) CreateRecord(context.Context, string, string) (string, error) {
	return "", apperr.E(apperr.ProviderError, "cpanel dns provider not implemented")
}

func (*CPanel) DeleteRecord(context.Context, string) error {
	return apperr.E(apperr.ProviderError, "cpanel dns provider not implemented")
}
