// Package config loads and validates the TOML configuration shared by the
// seal and audit commands.
package config

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/asaskevich/govalidator"
)

func init() {
	govalidator.SetFieldsRequiredByDefault(true)
}

// DefaultLocation of the config file.
const DefaultLocation = "./veraseal.conf"

// Config is the root of the configuration.
type Config struct {
	HSM   HSM   `toml:"hsm" valid:"-"`
	Seal  Seal  `toml:"seal" valid:"-"`
	Audit Audit `toml:"audit" valid:"-"`
}

// HSM configures the remote signing service. The private key never leaves
// the service; only digests cross the wire.
type HSM struct {
	Endpoint string `toml:"endpoint" valid:"url,required"`
	Account  string `toml:"account" valid:"required"`
	Profile  string `toml:"profile" valid:"required"`

	OAuth OAuth `toml:"oauth" valid:"-"`
}

// OAuth configures client-credentials token acquisition for the HSM. All
// fields empty means unauthenticated access (local emulators).
type OAuth struct {
	TokenURL     string   `toml:"token_url" valid:"url,optional"`
	ClientID     string   `toml:"client_id" valid:"optional"`
	ClientSecret string   `toml:"client_secret" valid:"optional"`
	Scopes       []string `toml:"scopes" valid:"optional"`
}

// Enabled reports whether token acquisition is configured.
func (o OAuth) Enabled() bool {
	return o.TokenURL != ""
}

// Seal configures the sealing lifecycle.
type Seal struct {
	TSAURL           string `toml:"tsa_url" valid:"url,optional"`
	EnableLTAUpdates bool   `toml:"enable_lta_updates" valid:"optional"`
	Reason           string `toml:"reason" valid:"optional"`
	Location         string `toml:"location" valid:"optional"`
	ContactInfo      string `toml:"contact_info" valid:"optional"`

	// DigestAlgorithm is SHA-256, SHA-384 or SHA-512. Empty means SHA-256.
	DigestAlgorithm string `toml:"digest_algorithm" valid:"in(SHA-256|SHA-384|SHA-512),optional"`

	// TimeoutSeconds bounds one sealing run end to end.
	TimeoutSeconds int `toml:"timeout_seconds" valid:"optional"`
}

// Digest maps the configured algorithm name onto crypto.Hash.
func (s Seal) Digest() crypto.Hash {
	switch s.DigestAlgorithm {
	case "SHA-384":
		return crypto.SHA384
	case "SHA-512":
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}

// Timeout returns the configured sealing deadline.
func (s Seal) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Audit configures the layered audit.
type Audit struct {
	// TrustRoots are PEM files with the accepted root certificates. Empty
	// disables seal trust verification.
	TrustRoots []string `toml:"trust_roots" valid:"optional"`

	// EnableSemanticAudit switches the advisory semantic layer on. It also
	// requires a configured executor in the hosting process.
	EnableSemanticAudit bool `toml:"enable_semantic_audit" valid:"optional"`

	// EventBuffer bounds the in-memory event stream per audit.
	EventBuffer int `toml:"event_buffer" valid:"optional"`
}

// TrustPool loads the configured root certificates into a pool. It returns
// nil without error when no roots are configured.
func (a Audit) TrustPool() (*x509.CertPool, error) {
	if len(a.TrustRoots) == 0 {
		return nil, nil
	}

	pool := x509.NewCertPool()
	for _, path := range a.TrustRoots {
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read trust root %s: %w", path, err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("trust root %s carries no certificates", path)
		}
	}
	return pool, nil
}

// Configured reports whether the HSM section is present at all. The audit
// command works without one.
func (h HSM) Configured() bool {
	return h.Endpoint != "" || h.Account != "" || h.Profile != ""
}

// ValidateFields validates all the fields of the config.
func (c Config) ValidateFields() error {
	if c.HSM.Configured() {
		if _, err := govalidator.ValidateStruct(c.HSM); err != nil {
			return fmt.Errorf("hsm: %w", err)
		}
	}
	if _, err := govalidator.ValidateStruct(c.Seal); err != nil {
		return fmt.Errorf("seal: %w", err)
	}
	if _, err := govalidator.ValidateStruct(c.Audit); err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	return nil
}

// Load reads and validates the config file.
func Load(path string) (Config, error) {
	var c Config
	if _, err := os.Stat(path); err != nil {
		return c, fmt.Errorf("config file is missing: %s", path)
	}
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := c.ValidateFields(); err != nil {
		return c, fmt.Errorf("config is not valid: %w", err)
	}
	return c, nil
}
