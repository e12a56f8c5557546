// Package orgconfig describes the organizations served by a deployment
// and where their Redis and MySQL backends live.
package orgconfig

import (
	"fmt"
	"io"
	"os"

	"github.com/pelletier/go-toml"
)

// Provider supplies the set of known organizations and their Redis targets.
type Provider interface {
	OrgIDs() []int64
	RedisTarget(orgID int64) (Redis, bool)
}

// DataSources is implemented by providers that know per-org MySQL DSNs.
type DataSources interface {
	DataSource(orgID int64) (string, bool)
}

// Config holds the organization configuration file.
type Config struct {
	Orgs []*Org
}

// Org holds the configuration specific to one organization.
type Org struct {
	ID       int64
	Redis    *Redis
	MySQLDSN string
}

// Redis is the Redis target of an organization.
//
// Network defaults to "tcp". For "unix", Host is the socket path.
type Redis struct {
	Network  string
	Host     string
	Port     int
	Password string
}

// Valid reports whether the target can be dialed.
func (r *Redis) Valid() bool {
	if r == nil || r.Host == "" {
		return false
	}
	return r.Network == "unix" || r.Port > 0
}

var (
	_ Provider    = (*Config)(nil)
	_ DataSources = (*Config)(nil)
)

// Load decodes a TOML organization config.
func Load(r io.Reader) (*Config, error) {
	config := new(Config)
	if err := toml.NewDecoder(r).Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode org config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadFile reads a TOML organization config from disk.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Validate rejects duplicate organization IDs.
func (c *Config) Validate() error {
	seen := make(map[int64]struct{}, len(c.Orgs))
	for _, org := range c.Orgs {
		if org == nil {
			continue
		}
		if _, ok := seen[org.ID]; ok {
			return fmt.Errorf("duplicate org %d in config", org.ID)
		}
		seen[org.ID] = struct{}{}
	}
	return nil
}

// GetOrg finds an organization by ID.
// Returns nil if the organization does not exist.
func (c *Config) GetOrg(id int64) *Org {
	for _, org := range c.Orgs {
		if org != nil && org.ID == id {
			return org
		}
	}
	return nil
}

// OrgIDs returns the organization IDs in file order.
func (c *Config) OrgIDs() []int64 {
	ids := make([]int64, 0, len(c.Orgs))
	for _, org := range c.Orgs {
		if org != nil {
			ids = append(ids, org.ID)
		}
	}
	return ids
}

// RedisTarget returns the Redis target of an org, if any.
func (c *Config) RedisTarget(orgID int64) (Redis, bool) {
	org := c.GetOrg(orgID)
	if org == nil || !org.Redis.Valid() {
		return Redis{}, false
	}
	target := *org.Redis
	if target.Network == "" {
		target.Network = "tcp"
	}
	return target, true
}

// DataSource returns the MySQL DSN of an org, if any.
func (c *Config) DataSource(orgID int64) (string, bool) {
	org := c.GetOrg(orgID)
	if org == nil || org.MySQLDSN == "" {
		return "", false
	}
	return org.MySQLDSN, true
}

// ConfigurationError is returned when an organization cannot be served
// because its configuration is incomplete.
type ConfigurationError struct {
	OrgID  int64
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("org %d: %s", e.OrgID, e.Reason)
}
