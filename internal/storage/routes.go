package storage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Route binds one catalog storage to its own byte backend. Config is passed
// to the backend's JSON constructor unchanged.
type Route struct {
	Storage int            `yaml:"storage" validate:"gt=0"`
	Type    string         `yaml:"type" validate:"oneof=local s3 smb"`
	Config  map[string]any `yaml:"config" validate:"required"`
}

type routesFile struct {
	Routes []Route `yaml:"routes" validate:"dive"`
}

// LoadRoutes reads and validates a routes file.
func LoadRoutes(p string) ([]Route, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read storage routes: %w", err)
	}
	return ParseRoutes(data)
}

// ParseRoutes decodes a routes document:
//
//	routes:
//	  - storage: 2
//	    type: s3
//	    config: {bucket: archive, region: eu-central-1}
func ParseRoutes(data []byte) ([]Route, error) {
	var doc routesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse storage routes: %w", err)
	}
	if err := validate.Struct(&doc); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return nil, fmt.Errorf("storage routes %s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
		}
		return nil, err
	}
	seen := make(map[int]bool, len(doc.Routes))
	for _, rt := range doc.Routes {
		if seen[rt.Storage] {
			return nil, fmt.Errorf("storage routes: storage %d bound twice", rt.Storage)
		}
		seen[rt.Storage] = true
	}
	return doc.Routes, nil
}

// Apply builds a backend per route and registers it. Backends built before a
// failure stay registered and are released by Close.
func (r *Router) Apply(ctx context.Context, routes []Route) error {
	for _, rt := range routes {
		b, err := NewBackend(ctx, rt.Type, rt.Config)
		if err != nil {
			return fmt.Errorf("storage %d: %w", rt.Storage, err)
		}
		r.Register(rt.Storage, b)
	}
	return nil
}

// Check asks the backend serving a storage whether key exists. A missing
// object is fine; only failures to answer count.
func (r *Router) Check(ctx context.Context, storageID int, key string) error {
	b, err := r.Resolve(storageID)
	if err != nil {
		return err
	}
	if _, err := b.ObjectExists(ctx, key); err != nil {
		return fmt.Errorf("%s backend for storage %d: %w", b.Type(), storageID, err)
	}
	return nil
}
