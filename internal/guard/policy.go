package guard

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrInvalidPolicy indicates a policy missing its pattern or roles.
	ErrInvalidPolicy = errors.New("invalid access policy")

	// ErrInvalidCredential indicates a credential missing its agent id
	// or secret.
	ErrInvalidCredential = errors.New("invalid credential")
)

// Policy grants roles a permission level on resources matching a
// pattern. Patterns are exact names, the global wildcard "*", or a
// prefix wildcard like "context.*".
type Policy struct {
	Pattern string
	Roles   []string
	Level   Level
}

// Validate checks the policy is well-formed.
func (p *Policy) Validate() error {
	if p.Pattern == "" {
		return errors.New("policy pattern is required")
	}
	if len(p.Roles) == 0 {
		return errors.New("policy roles are required")
	}
	return nil
}

// matchesResource reports whether the policy's pattern covers the
// resource name.
func (p *Policy) matchesResource(resource string) bool {
	switch {
	case p.Pattern == "*":
		return true
	case strings.HasSuffix(p.Pattern, ".*"):
		return strings.HasPrefix(resource, p.Pattern[:len(p.Pattern)-1])
	default:
		return p.Pattern == resource
	}
}

// matchesRole reports whether the policy applies to the role.
func (p *Policy) matchesRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Credential is an agent's signing identity. The optional Permissions
// map grants explicit per-resource levels that take precedence over
// role policies.
type Credential struct {
	AgentID     string
	Secret      string
	ExpiresAt   time.Time
	Permissions map[string]Level
}

// Validate checks the credential is well-formed.
func (c *Credential) Validate() error {
	if c.AgentID == "" {
		return errors.New("credential agent id is required")
	}
	if c.Secret == "" {
		return errors.New("credential secret is required")
	}
	return nil
}

// expired reports whether the credential's expiry has passed. A zero
// ExpiresAt never expires.
func (c *Credential) expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// allows reports whether the credential's explicit permission map
// grants the level on the resource.
func (c *Credential) allows(resource string, level Level) bool {
	granted, ok := c.Permissions[resource]
	return ok && granted >= level
}
