package util

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fluxrill/pdal/lib/backend"
	"github.com/fluxrill/pdal/lib/backend/engines/memback"
	"github.com/fluxrill/pdal/lib/cursor"
	"github.com/fluxrill/pdal/lib/pdal"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		// Add the word
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupStoreFlags adds the common store flags to a command
func SetupStoreFlags(cmd *cobra.Command) {
	key := "partitions"
	cmd.PersistentFlags().Int(key, 4, WrapString("Number of equally sized partitions for the embedded backend"))

	key = "replicas"
	cmd.PersistentFlags().Int(key, 3, WrapString("Simulated replica count per partition"))

	key = "ack"
	cmd.PersistentFlags().String(key, "majority", WrapString("Default write acknowledgment level (none, one, majority, all)"))

	key = "write-timeout"
	cmd.PersistentFlags().Duration(key, 5*time.Second, WrapString("Default acknowledgment wait per write"))

	key = "page-size"
	cmd.PersistentFlags().Int(key, 100, WrapString("Default page size for scans"))

	key = "max-attempts"
	cmd.PersistentFlags().Int(key, 5, WrapString("Retry budget per operation"))

	key = "base-backoff"
	cmd.PersistentFlags().Duration(key, 50*time.Millisecond, WrapString("Base backoff between retry attempts"))

	key = "max-backoff"
	cmd.PersistentFlags().Duration(key, 5*time.Second, WrapString("Upper bound on the backoff between retry attempts"))
}

// InitClientConfig initializes configuration from environment variables
func InitClientConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("pdal")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// GetAckLevel parses the configured default acknowledgment level
func GetAckLevel() (backend.AckLevel, error) {
	switch viper.GetString("ack") {
	case "none":
		return backend.AckNone, nil
	case "one":
		return backend.AckOne, nil
	case "majority":
		return backend.AckMajority, nil
	case "all":
		return backend.AckAll, nil
	default:
		return 0, fmt.Errorf("invalid ack level %s", viper.GetString("ack"))
	}
}

// GetCodec creates a cursor codec based on configuration
func GetCodec() (cursor.ICursorCodec, error) {
	switch viper.GetString("codec") {
	case "json":
		return cursor.NewJSONCodec(), nil
	case "binary":
		return cursor.NewBinaryCodec(), nil
	default:
		return nil, fmt.Errorf("invalid codec %s", viper.GetString("codec"))
	}
}

// GetStoreConfig reads the store configuration from viper
func GetStoreConfig() (pdal.Config, error) {
	ack, err := GetAckLevel()
	if err != nil {
		return pdal.Config{}, err
	}
	codec, err := GetCodec()
	if err != nil {
		return pdal.Config{}, err
	}

	return pdal.Config{
		MaxAttempts:     viper.GetInt("max-attempts"),
		BaseBackoff:     viper.GetDuration("base-backoff"),
		MaxBackoff:      viper.GetDuration("max-backoff"),
		DefaultAckLevel: ack,
		WriteTimeout:    viper.GetDuration("write-timeout"),
		DefaultPageSize: viper.GetInt("page-size"),
		Codec:           codec,
	}, nil
}

// EqualPartitions splits the keyspace into n equally sized partitions
// with IDs 1..n.
func EqualPartitions(n int) []backend.PartitionMeta {
	if n <= 0 {
		n = 1
	}

	metas := make([]backend.PartitionMeta, 0, n)
	step := backend.MaxPoint / uint64(n)
	for i := 0; i < n; i++ {
		low := uint64(i) * step
		high := low + step
		if i == n-1 {
			high = backend.MaxPoint
		}
		metas = append(metas, backend.PartitionMeta{ID: backend.PartitionID(i + 1), Low: low, High: high})
	}
	return metas
}

// NewDemoStore creates an embedded memback-backed store from the
// configuration. The backend lives only for this process; the commands
// using it are demonstration and benchmarking tools, not durable storage.
func NewDemoStore(ctx context.Context) (*pdal.Store, backend.IBackend, error) {
	cfg, err := GetStoreConfig()
	if err != nil {
		return nil, nil, err
	}

	b := memback.New(&memback.Options{
		Partitions: EqualPartitions(viper.GetInt("partitions")),
		Replicas:   viper.GetInt("replicas"),
	})
	s, err := pdal.Open(ctx, b, cfg)
	if err != nil {
		_ = b.Close()
		return nil, nil, err
	}
	return s, b, nil
}
