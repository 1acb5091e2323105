// Package policy loads YAML override rules and registers them as
// security-check listeners.
//
// Example:
//
//	rules:
//	  - name: press-kit
//	    prefix: /press/
//	    effect: allow
//	  - name: drafts
//	    match: "*.draft.pdf"
//	    subject: anonymous
//	    effect: deny
package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fruitsalade/fileguard/internal/auth"
	"github.com/fruitsalade/fileguard/internal/catalog"
	"github.com/fruitsalade/fileguard/internal/events"
	"github.com/fruitsalade/fileguard/internal/logging"
)

var validate = validator.New()

// Subjects a rule can target.
const (
	SubjectAny       = "any"
	SubjectAnonymous = "anonymous"
	SubjectFrontend  = "frontend"
	SubjectBackend   = "backend"
	SubjectAdmin     = "admin"
)

// Rule overrides the verdict for matching files.
type Rule struct {
	Name    string `yaml:"name" validate:"required"`
	Prefix  string `yaml:"prefix" validate:"omitempty,startswith=/"`
	Match   string `yaml:"match"`
	Mime    string `yaml:"mime"`
	Subject string `yaml:"subject" validate:"omitempty,oneof=any anonymous frontend backend admin"`
	Groups  []int  `yaml:"groups"`
	Effect  string `yaml:"effect" validate:"required,oneof=allow deny"`
}

// File is the policy document.
type File struct {
	Rules []Rule `yaml:"rules" validate:"dive"`
}

// Load reads and validates a policy file.
func Load(p string) ([]Rule, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a policy document.
func Parse(data []byte) ([]Rule, error) {
	var doc File
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := validate.Struct(&doc); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return nil, fmt.Errorf("policy %s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
		}
		return nil, err
	}
	for _, r := range doc.Rules {
		if r.Match != "" {
			if _, err := path.Match(r.Match, ""); err != nil {
				return nil, fmt.Errorf("policy rule %s: bad match pattern: %w", r.Name, err)
			}
		}
	}
	return doc.Rules, nil
}

// Register adds each rule to d as its own listener, preserving file order.
func Register(d *events.Dispatcher, rules []Rule) {
	for i := range rules {
		r := &rules[i]
		d.Register("policy:"+r.Name, r)
	}
	logging.Info("policy rules registered", zap.Int("rules", len(rules)))
}

// OnSecurityCheck applies the rule's effect when it matches.
func (r *Rule) OnSecurityCheck(ctx context.Context, e *events.SecurityCheck) {
	if !r.Matches(e.File, e.Auth) {
		return
	}
	allow := r.Effect == "allow"
	if e.Allowed() != allow {
		logging.WithContext(ctx).Debug("policy rule applied",
			zap.String("rule", r.Name),
			zap.String("identifier", e.File.Identifier),
			zap.String("effect", r.Effect))
	}
	e.SetAllowed(allow)
}

// Matches reports whether every condition of the rule holds. Empty
// conditions match everything.
func (r *Rule) Matches(f *catalog.File, ac *auth.Context) bool {
	if f == nil {
		return false
	}
	if r.Prefix != "" && !strings.HasPrefix(f.Identifier, r.Prefix) {
		return false
	}
	if r.Match != "" {
		target := f.Identifier
		if !strings.Contains(r.Match, "/") {
			target = catalog.BaseName(f.Identifier)
		}
		if ok, _ := path.Match(r.Match, target); !ok {
			return false
		}
	}
	if r.Mime != "" && !strings.HasPrefix(f.MimeType, r.Mime) {
		return false
	}
	if !r.matchesSubject(ac) {
		return false
	}
	if len(r.Groups) > 0 && !hasAny(ac.FrontendGroups(), r.Groups) {
		return false
	}
	return true
}

func (r *Rule) matchesSubject(ac *auth.Context) bool {
	switch r.Subject {
	case "", SubjectAny:
		return true
	case SubjectAnonymous:
		return ac.IsAnonymous()
	case SubjectFrontend:
		return ac != nil && ac.Frontend != nil
	case SubjectBackend:
		return ac.BackendUser() != nil
	case SubjectAdmin:
		u := ac.BackendUser()
		return u != nil && u.IsAdmin
	}
	return false
}

func hasAny(held, wanted []int) bool {
	for _, w := range wanted {
		for _, h := range held {
			if w == h {
				return true
			}
		}
	}
	return false
}
