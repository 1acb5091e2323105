package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fruitsalade/fileguard/internal/storage/local"
	s3backend "github.com/fruitsalade/fileguard/internal/storage/s3"
	"github.com/fruitsalade/fileguard/internal/storage/smb"
)

// NewBackendFromConfig creates a Backend from a backend type string and JSON config.
func NewBackendFromConfig(ctx context.Context, backendType string, config json.RawMessage) (Backend, error) {
	switch backendType {
	case "s3":
		return s3backend.NewBackendFromJSON(ctx, config)
	case "local":
		return local.NewFromJSON(config)
	case "smb":
		return smb.NewFromJSON(config)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", backendType)
	}
}

// NewBackend is NewBackendFromConfig for an in-memory config value.
func NewBackend(ctx context.Context, backendType string, config any) (Backend, error) {
	raw, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("encode %s config: %w", backendType, err)
	}
	return NewBackendFromConfig(ctx, backendType, raw)
}
