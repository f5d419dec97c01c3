package bench

import (
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/fluxrill/pdal/cmd/util"
	"github.com/fluxrill/pdal/lib/backend"
	"github.com/fluxrill/pdal/lib/pdal"
	"github.com/fluxrill/pdal/lib/scan"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// BenchCmd benchmarks the access layer against an embedded backend
	BenchCmd = &cobra.Command{
		Use:     "bench",
		Short:   "Performance testing tool for the document access layer",
		PreRunE: processBenchConfig,
		RunE:    run,
	}

	benchKeyPrefix  = "__bench"
	benchNumThreads = 10
	benchKeySpread  = 100
	benchValueSize  = 128
	benchSkip       = make([]string, 0)

	store *pdal.Store
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	// add common store flags plus the benchmark knobs
	util.SetupStoreFlags(BenchCmd)

	key := "skip"
	BenchCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. put,get)"))
	key = "threads"
	BenchCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "keys"
	BenchCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "value-size"
	BenchCmd.Flags().Int(key, 128, util.WrapString("Document value size in bytes"))
	key = "csv"
	BenchCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
	key = "dump-metrics"
	BenchCmd.Flags().Bool(key, false, util.WrapString("Print the collected metrics in Prometheus format after the run"))
}

func processBenchConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	util.InitLoggers(viper.GetString("log-level"))

	// Read the configuration from the command line flags and environment variables
	benchNumThreads = viper.GetInt("threads")
	benchKeySpread = viper.GetInt("keys")
	benchValueSize = viper.GetInt("value-size")
	benchSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func run(cmd *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for the document access layer")

	s, _, err := util.NewDemoStore(cmd.Context())
	if err != nil {
		return err
	}
	store = s

	// Print configuration
	cfg, err := util.GetStoreConfig()
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(cfg.String())
	fmt.Printf("Threads: %d\n", benchNumThreads)
	fmt.Println()

	fmt.Println("starting benchmarks...")

	ctx := cmd.Context()
	value := make([]byte, benchValueSize)

	// Create results map
	results := make(map[string]testing.BenchmarkResult)

	putResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("put") {
			return
		}

		getKey, _ := getKeys("put")

		b.SetParallelism(benchNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				key := getKey(counter)
				_, err := store.Put(ctx, backend.Document{ID: key, RoutingKey: key, Value: value})
				if err != nil {
					log.Printf("(put) - error writing document: %v\n", err)
				}
				counter++
			}
		})
	})

	results["put"] = putResult
	printResult("put", putResult)

	getResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("get") {
			return
		}

		getKey, iter := getKeys("get")

		// write documents to read back
		iter(func(k string) {
			if _, err := store.Put(ctx, backend.Document{ID: k, RoutingKey: k, Value: value}); err != nil {
				log.Printf("(get) - error writing document: %v\n", err)
			}
		})

		b.SetParallelism(benchNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				key := getKey(counter)
				_, _, err := store.Get(ctx, key, key)
				if err != nil {
					log.Printf("(get) - error reading document: %v\n", err)
				}
				counter++
			}
		})
	})

	results["get"] = getResult
	printResult("get", getResult)

	updateResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("update") {
			return
		}

		getKey, iter := getKeys("update")
		iter(func(k string) {
			if _, err := store.Put(ctx, backend.Document{ID: k, RoutingKey: k, Value: value}); err != nil {
				log.Printf("(update) - error writing document: %v\n", err)
			}
		})

		b.SetParallelism(benchNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				key := getKey(counter)
				doc, found, err := store.Get(ctx, key, key)
				if err != nil || !found {
					log.Printf("(update) - error reading document: found=%v err=%v\n", found, err)
					counter++
					continue
				}
				// conflicts are expected under contention, not errors
				_, err = store.ConditionalUpdate(ctx, backend.Document{ID: key, RoutingKey: key, Value: value}, doc.Version)
				if err != nil && backend.CodeOf(err) != backend.RetCVersionConflict {
					log.Printf("(update) - error updating document: %v\n", err)
				}
				counter++
			}
		})
	})

	results["update"] = updateResult
	printResult("update", updateResult)

	scanResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("scan") {
			return
		}

		_, iter := getKeys("scan")
		iter(func(k string) {
			if _, err := store.Put(ctx, backend.Document{ID: k, RoutingKey: k, Value: value}); err != nil {
				log.Printf("(scan) - error writing document: %v\n", err)
			}
		})

		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			req := scan.Request{PageSize: 64}
			for {
				page, err := store.Scan(ctx, req)
				if err != nil {
					log.Printf("(scan) - error scanning: %v\n", err)
					break
				}
				if page.Next == nil {
					break
				}
				req = scan.Request{Token: page.Next, PageSize: 64}
			}
		}
	})

	results["scan"] = scanResult
	printResult("scan", scanResult)

	mixedResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("mixed") {
			return
		}

		getKey, iter := getKeys("mixed")
		iter(func(k string) {
			if _, err := store.Put(ctx, backend.Document{ID: k, RoutingKey: k, Value: value}); err != nil {
				log.Printf("(mixed) - error writing document: %v\n", err)
			}
		})

		b.SetParallelism(benchNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				key := getKey(counter)
				var err error
				switch counter % 3 {
				case 0: // put
					_, err = store.Put(ctx, backend.Document{ID: key, RoutingKey: key, Value: value})
				case 1: // get
					_, _, err = store.Get(ctx, key, key)
				case 2: // page
					_, err = store.Scan(ctx, scan.Request{Key: key, PageSize: 16})
				}
				if err != nil {
					log.Printf("(mixed) - error performing operation (%d): %v\n", counter%3, err)
				}
				counter++
			}
		})
	})

	results["mixed"] = mixedResult
	printResult("mixed", mixedResult)

	// Write results to csv if specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	// Dump the library metrics if requested
	if viper.GetBool("dump-metrics") {
		fmt.Println()
		metrics.WritePrometheus(os.Stdout, false)
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range benchSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// creates an array of test keys and functions to work with them
func getKeys(prefix string) (func(int) string, func(func(string))) {
	keys := make([]string, benchKeySpread)
	for i := 0; i < benchKeySpread; i++ {
		keys[i] = fmt.Sprintf("%s-%s-%d", benchKeyPrefix, prefix, i)
	}

	// Function to get a key by index (with wraparound)
	getKey := func(i int) string {
		return keys[i%benchKeySpread]
	}

	// Function to iterate over all keys and apply a function to each
	iterateKeys := func(fn func(string)) {
		for _, key := range keys {
			fn(key)
		}
	}

	return getKey, iterateKeys
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Partitions", "Replicas", "Ack", "Codec",
		"Threads", "ValueSizeBytes", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, result := range results {
		var nsPerOp float64
		var opsPerSec float64
		var skipped string

		if result.NsPerOp() == 0 {
			skipped = "true"
			nsPerOp = 0
			opsPerSec = 0
		} else {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strconv.Itoa(viper.GetInt("partitions")),
			strconv.Itoa(viper.GetInt("replicas")),
			viper.GetString("ack"),
			viper.GetString("codec"),
			strconv.Itoa(benchNumThreads),
			strconv.Itoa(benchValueSize),
			strconv.Itoa(benchKeySpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
