package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/migadu/bouncer/consts"
	"github.com/migadu/bouncer/helpers"
)

// DatabaseEndpointConfig holds configuration for a single database endpoint
type DatabaseEndpointConfig struct {
	// Hosts may carry an explicit port ("db1:5432"); otherwise Port applies.
	Hosts           []string    `toml:"hosts"`
	Port            interface{} `toml:"port"` // Database port (default: "5432"), can be string or integer
	User            string      `toml:"user"`
	Password        string      `toml:"password"`
	Name            string      `toml:"name"`
	TLSMode         bool        `toml:"tls"`
	MaxConns        int         `toml:"max_conns"`          // Maximum number of connections in the pool
	MinConns        int         `toml:"min_conns"`          // Minimum number of connections in the pool
	MaxConnLifetime string      `toml:"max_conn_lifetime"`  // Maximum lifetime of a connection
	MaxConnIdleTime string      `toml:"max_conn_idle_time"` // Maximum idle time before a connection is closed
}

// DatabaseConfig holds database configuration with separate read/write endpoints
type DatabaseConfig struct {
	Debug            bool                    `toml:"debug"`             // Enable SQL query logging
	QueryTimeout     string                  `toml:"query_timeout"`     // Timeout for a single query (default: "30s")
	MigrationTimeout string                  `toml:"migration_timeout"` // Timeout for the migrate command (default: "2m")
	ConnectRetries   int                     `toml:"connect_retries"`   // Extra connection attempts at startup (default: 0, fail fast)
	Write            *DatabaseEndpointConfig `toml:"write"`
	Read             *DatabaseEndpointConfig `toml:"read"` // Optional; falls back to the write endpoint
}

// GetMaxConnLifetime parses the max connection lifetime duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// GetPort returns the endpoint port as a string, accepting both TOML integers and strings.
func (e *DatabaseEndpointConfig) GetPort() (string, error) {
	switch v := e.Port.(type) {
	case nil:
		return "5432", nil
	case string:
		if v == "" {
			return "5432", nil
		}
		return v, nil
	case int:
		return fmt.Sprintf("%d", v), nil
	case int64: // TOML decodes integers as int64
		return fmt.Sprintf("%d", v), nil
	default:
		return "", fmt.Errorf("invalid type for port: %T", v)
	}
}

// GetQueryTimeout parses the general query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// GetMigrationTimeout parses the timeout applied to the migrate command.
func (d *DatabaseConfig) GetMigrationTimeout() (time.Duration, error) {
	if d.MigrationTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MigrationTimeout)
}

// GetConnectRetries returns how many times a failed initial connection is
// retried. Connection errors abort the run unless this is set.
func (d *DatabaseConfig) GetConnectRetries() int {
	if d.ConnectRetries < 0 {
		return 0
	}
	return d.ConnectRetries
}

// BounceConfig controls ingestion, purging and the sweeps.
type BounceConfig struct {
	Sentinel             string `toml:"sentinel"`              // Message id token of system messages (default: "systemmessage")
	VERPPrefix           string `toml:"verp_prefix"`           // Local part before "+<id>" in bounce addresses (default: "bounces")
	Purge                bool   `toml:"purge"`                 // Delete attributed messages from the mailbox
	PurgeUnprocessed     bool   `toml:"purge_unprocessed"`     // Delete unidentified messages from the mailbox
	Maximum              int    `toml:"maximum"`               // Stop after this many messages (0: no cap)
	SweepBatchSize       int    `toml:"sweep_batch_size"`      // Page size of the rule sweep
	ProgressInterval     int    `toml:"progress_interval"`     // Log progress every N records
	UnsubscribeThreshold int    `toml:"unsubscribe_threshold"` // Bounce count that unconfirms a subscriber (0: disabled)
	BlacklistThreshold   int    `toml:"blacklist_threshold"`   // Bounce count that blacklists a subscriber (0: disabled)
}

// GetSentinel returns the configured system message token.
func (b *BounceConfig) GetSentinel() string {
	if b.Sentinel == "" {
		return consts.SystemMessageSentinel
	}
	return b.Sentinel
}

// GetVERPPrefix returns the local part used for VERP bounce addresses.
func (b *BounceConfig) GetVERPPrefix() string {
	if b.VERPPrefix == "" {
		return consts.DefaultVERPPrefix
	}
	return b.VERPPrefix
}

// GetSweepBatchSize returns the rule sweep page size.
func (b *BounceConfig) GetSweepBatchSize() int {
	if b.SweepBatchSize <= 0 {
		return consts.DefaultSweepBatchSize
	}
	return b.SweepBatchSize
}

// GetProgressInterval returns how often progress is reported.
func (b *BounceConfig) GetProgressInterval() int {
	if b.ProgressInterval <= 0 {
		return consts.DefaultProgressInterval
	}
	return b.ProgressInterval
}

// MboxConfig describes local mailbox files.
type MboxConfig struct {
	Paths []string `toml:"paths"`
}

// Validate reports missing parameters before any file is opened.
func (c *MboxConfig) Validate() error {
	if len(nonEmpty(c.Paths)) == 0 {
		return fmt.Errorf("%w: mailbox path", consts.ErrMissingParameter)
	}
	return nil
}

// RemoteMailboxConfig describes a POP3 or IMAP bounce mailbox.
type RemoteMailboxConfig struct {
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	User          string   `toml:"user"`
	Password      string   `toml:"password"`
	TLS           bool     `toml:"tls"`
	TLSSkipVerify bool     `toml:"tls_skip_verify"`
	Auth          string   `toml:"auth"`      // "login" (default), "plain" (SASL PLAIN, IMAP only) or "none"
	Mailboxes     []string `toml:"mailboxes"` // Folders to read (default: ["INBOX"])
}

// Validate reports missing connection parameters.
func (c *RemoteMailboxConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host", consts.ErrMissingParameter)
	}
	if c.GetAuth() == "none" {
		return nil
	}
	if c.User == "" {
		return fmt.Errorf("%w: user", consts.ErrMissingParameter)
	}
	if c.Password == "" {
		return fmt.Errorf("%w: password", consts.ErrMissingParameter)
	}
	return nil
}

// GetPort returns the configured port or the protocol default for the TLS mode.
func (c *RemoteMailboxConfig) GetPort(tlsDefault, plainDefault int) int {
	if c.Port > 0 {
		return c.Port
	}
	if c.TLS {
		return tlsDefault
	}
	return plainDefault
}

// GetAuth returns the normalised authentication mode.
func (c *RemoteMailboxConfig) GetAuth() string {
	switch strings.ToLower(c.Auth) {
	case "plain":
		return "plain"
	case "none":
		return "none"
	default:
		return "login"
	}
}

// GetMailboxes returns the folders to read, defaulting to INBOX.
func (c *RemoteMailboxConfig) GetMailboxes() []string {
	if boxes := nonEmpty(c.Mailboxes); len(boxes) > 0 {
		return boxes
	}
	return []string{"INBOX"}
}

// MailboxConfig groups the per-protocol mailbox settings.
type MailboxConfig struct {
	Mbox MboxConfig          `toml:"mbox"`
	POP3 RemoteMailboxConfig `toml:"pop3"`
	IMAP RemoteMailboxConfig `toml:"imap"`
}

// ArchiveConfig enables copying raw bounces to S3 before they are purged.
type ArchiveConfig struct {
	Enabled   bool   `toml:"enabled"`
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	TLS       bool   `toml:"tls"`
	Trace     bool   `toml:"trace"`
	Prefix    string `toml:"prefix"` // Key prefix (default: "bounces")
}

// Validate checks the archive settings when archiving is enabled.
func (a *ArchiveConfig) Validate() error {
	if !a.Enabled {
		return nil
	}
	if a.Endpoint == "" {
		return fmt.Errorf("%w: archive endpoint", consts.ErrMissingParameter)
	}
	if a.Bucket == "" {
		return fmt.Errorf("%w: archive bucket", consts.ErrMissingParameter)
	}
	return nil
}

// GetPrefix returns the object key prefix.
func (a *ArchiveConfig) GetPrefix() string {
	if a.Prefix == "" {
		return "bounces"
	}
	return strings.Trim(a.Prefix, "/")
}

// MetricsConfig configures the pushgateway that batch runs report to.
type MetricsConfig struct {
	Pushgateway string `toml:"pushgateway"` // e.g. "http://pushgateway:9091"; empty disables pushing
	Job         string `toml:"job"`         // Job label (default: "bouncer")
}

// GetJob returns the pushgateway job name.
func (m *MetricsConfig) GetJob() string {
	if m.Job == "" {
		return "bouncer"
	}
	return m.Job
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// Config holds all configuration for the application.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Database DatabaseConfig `toml:"database"`
	Bounce   BounceConfig   `toml:"bounce"`
	Mailbox  MailboxConfig  `toml:"mailbox"`
	Archive  ArchiveConfig  `toml:"archive"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			QueryTimeout:     "30s",
			MigrationTimeout: "2m",
			Write: &DatabaseEndpointConfig{
				Hosts:           []string{"localhost"},
				Port:            "5432",
				User:            "postgres",
				Name:            "bouncer",
				MaxConns:        10,
				MinConns:        1,
				MaxConnLifetime: "1h",
				MaxConnIdleTime: "30m",
			},
		},
		Bounce: BounceConfig{
			Sentinel:         consts.SystemMessageSentinel,
			VERPPrefix:       consts.DefaultVERPPrefix,
			SweepBatchSize:   consts.DefaultSweepBatchSize,
			ProgressInterval: consts.DefaultProgressInterval,
		},
		Mailbox: MailboxConfig{
			POP3: RemoteMailboxConfig{TLS: true},
			IMAP: RemoteMailboxConfig{TLS: true, Mailboxes: []string{"INBOX"}},
		},
		Metrics: MetricsConfig{
			Job: "bouncer",
		},
	}
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
