// Package policy selects the environment-dependent behaviour of the HTTP
// pipeline: session cookie settings, security headers and error detail
// exposure. The two variants form a closed set; callers switch on the
// concrete type or use the interface methods.
package policy

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/eugenenazirov/site-server/internal/config"
	"github.com/eugenenazirov/site-server/internal/session"
)

// SessionLifetime is added to the selection time to produce the production cookie expiry.
const SessionLifetime = time.Hour

// Policy is implemented only by DevelopmentPolicy and ProductionPolicy.
type Policy interface {
	Name() string
	Development() bool
	Session() session.Options
	SecurityHeaders() bool
	ExposeErrors() bool

	sealed()
}

// DevelopmentPolicy issues non-secure browser-session cookies and exposes error details.
type DevelopmentPolicy struct {
	session session.Options
	// EphemeralSecret is set when no session-secret was configured and one was generated.
	EphemeralSecret bool
}

func (DevelopmentPolicy) Name() string {
	return "development"
}

func (DevelopmentPolicy) Development() bool {
	return true
}

func (p DevelopmentPolicy) Session() session.Options {
	return p.session
}

func (DevelopmentPolicy) SecurityHeaders() bool {
	return false
}

func (DevelopmentPolicy) ExposeErrors() bool {
	return true
}

func (DevelopmentPolicy) sealed() {}

// ProductionPolicy issues secure cookies with a fixed absolute expiry and hides error details.
type ProductionPolicy struct {
	session session.Options
}

func (ProductionPolicy) Name() string {
	return "production"
}

func (ProductionPolicy) Development() bool {
	return false
}

func (p ProductionPolicy) Session() session.Options {
	return p.session
}

func (ProductionPolicy) SecurityHeaders() bool {
	return true
}

func (ProductionPolicy) ExposeErrors() bool {
	return false
}

func (ProductionPolicy) sealed() {}

// Select picks the policy for cfg. The production expiry is now+SessionLifetime,
// computed once here and shared by every session issued afterwards.
func Select(cfg config.Config, now time.Time) (Policy, error) {
	opts := session.Options{
		Name:     cfg.Session.Name,
		Secret:   cfg.Session.Secret,
		Path:     "/",
		HTTPOnly: true,
	}

	if cfg.IsDevelopment() {
		p := DevelopmentPolicy{}
		if opts.Secret == "" {
			secret, err := randomSecret()
			if err != nil {
				return nil, err
			}
			opts.Secret = secret
			p.EphemeralSecret = true
		}
		p.session = opts
		return p, nil
	}

	if opts.Secret == "" {
		return nil, config.ErrMissingSessionSecret
	}
	opts.Secure = true
	opts.Domain = cfg.Session.Domain
	if cfg.Session.Path != "" {
		opts.Path = cfg.Session.Path
	}
	opts.Expires = now.Add(SessionLifetime)

	return ProductionPolicy{session: opts}, nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
