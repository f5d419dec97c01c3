package pdal

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fluxrill/pdal/lib/backend"
	"github.com/fluxrill/pdal/lib/cursor"
	"github.com/fluxrill/pdal/lib/scan"
)

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// Config carries the knobs of a Store. The zero value is usable; unset
// fields fall back to their defaults, except DefaultAckLevel, whose zero
// value is a meaningful level (dispatch-only writes).
type Config struct {
	// MaxAttempts, BaseBackoff and MaxBackoff parameterize the retry
	// policy wrapped around every remote call.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// DefaultAckLevel is used by writes that do not request a level.
	DefaultAckLevel backend.AckLevel

	// WriteTimeout bounds the acknowledgment wait of writes that do not
	// set their own timeout. Zero means no bound beyond the context.
	WriteTimeout time.Duration

	// DefaultPageSize is used by scans that do not request a page size.
	DefaultPageSize int

	// Hasher maps routing keys to keyspace points. Nil means
	// backend.DefaultHasher.
	Hasher backend.Hasher

	// Codec encodes scan cursors. Nil means the binary codec.
	Codec cursor.ICursorCodec

	// MigrationBatch is the document batch size used when a reshard
	// copies data between partitions.
	MigrationBatch int
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		BaseBackoff:     50 * time.Millisecond,
		MaxBackoff:      5 * time.Second,
		DefaultAckLevel: backend.AckMajority,
		DefaultPageSize: scan.DefaultPageSize,
		MigrationBatch:  256,
	}
}

// withDefaults fills unset fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = def.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.DefaultPageSize <= 0 {
		c.DefaultPageSize = def.DefaultPageSize
	}
	if c.MigrationBatch <= 0 {
		c.MigrationBatch = def.MigrationBatch
	}
	if c.Hasher == nil {
		c.Hasher = backend.DefaultHasher
	}
	if c.Codec == nil {
		c.Codec = cursor.NewBinaryCodec()
	}
	return c
}

// String returns a human-readable rendering of the configuration, used by
// the CLI to echo the effective settings.
func (c Config) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	c = c.withDefaults()

	addSection("Retry Policy")
	addField("Max Attempts", strconv.Itoa(c.MaxAttempts))
	addField("Base Backoff", c.BaseBackoff.String())
	addField("Max Backoff", c.MaxBackoff.String())

	addSection("Writes")
	addField("Default Ack Level", c.DefaultAckLevel.String())
	if c.WriteTimeout > 0 {
		addField("Write Timeout", c.WriteTimeout.String())
	} else {
		addField("Write Timeout", "none")
	}

	addSection("Scans")
	addField("Default Page Size", strconv.Itoa(c.DefaultPageSize))

	addSection("Reshard")
	addField("Migration Batch", strconv.Itoa(c.MigrationBatch))

	return sb.String()
}
