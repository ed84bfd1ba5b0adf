package kv

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/rKV/cmd/util"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for rKV nodes",
		Long:    "Runs read, write, delete, batch and mixed benchmarks against one node. The records use ids above --first-id of a profile the node serves and are deleted afterwards.",
		RunE:    run,
		PreRunE: processPerfConfig,
	}
	perfFirstID    = 1_000_000
	perfNumThreads = 10
	perfKeySpread  = 100
	perfBatchSize  = 10
	perfProfile    = -1
	perfSkip       = make([]string, 0)
)

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. write,read)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different records to use for the tests"))
	key = "batch-size"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Operations per request of the batch test"))
	key = "profile"
	perfTestCmd.Flags().Int(key, -1, util.WrapString("Profile to use (-1 picks the first profile the node serves)"))
	key = "first-id"
	perfTestCmd.Flags().Int(key, 1_000_000, util.WrapString("Smallest record id used by the tests"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfKeySpread = max(viper.GetInt("keys"), 1)
	perfNumThreads = viper.GetInt("threads")
	perfBatchSize = max(viper.GetInt("batch-size"), 1)
	perfProfile = viper.GetInt("profile")
	perfFirstID = viper.GetInt("first-id")
	perfSkip = util.SplitList(viper.GetString("skip"))

	return nil
}

func run(cmd *cobra.Command, _ []string) error {
	ctx := ctxOf(cmd)

	fmt.Println("Performance testing tool for rKV nodes")

	// Pick the profile and learn the record shape
	info, err := rpcPeer.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to read node info: %w", err)
	}
	if perfProfile < 0 {
		if len(info.Profiles) == 0 {
			return fmt.Errorf("node %d serves no profile, use --profile", info.ID)
		}
		perfProfile = info.Profiles[0]
	}
	numbers, strs, err := recordShape(ctx, perfProfile)
	if err != nil {
		return err
	}

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Node: %d, Profile: %d, Threads: %d\n", info.ID, perfProfile, perfNumThreads)
	fmt.Println()

	fmt.Println("starting tests...")

	ids := newRecordIDs()
	write := func(id int) store.Operation { return store.NewWrite(perfProfile, id, numbers, strs) }
	exec := func(test string, ops ...store.Operation) {
		if _, err := rpcPeer.ExecuteOperations(ctx, ops); err != nil {
			log.Printf("(%s) - error executing request: %v\n", test, err)
		}
	}
	cleanup := func(test string) {
		ids.each(func(id int) { exec(test, store.NewDelete(perfProfile, id)) })
	}
	prepare := func(test string) {
		ids.each(func(id int) { exec(test, write(id)) })
	}

	// Create results map
	results := make(map[string]testing.BenchmarkResult)
	tests := []struct {
		name    string
		prepare bool
		op      func(counter int)
	}{
		{"write", false, func(c int) { exec("write", write(ids.get(c))) }},
		{"read", true, func(c int) { exec("read", store.NewRead(perfProfile, ids.get(c))) }},
		{"read-missing", false, func(c int) { exec("read-missing", store.NewRead(perfProfile, ids.get(c))) }},
		{"delete", true, func(c int) { exec("delete", store.NewDelete(perfProfile, ids.get(c))) }},
		{"batch", true, func(c int) {
			ops := make([]store.Operation, perfBatchSize)
			for i := range ops {
				if i%2 == 0 {
					ops[i] = write(ids.get(c + i))
				} else {
					ops[i] = store.NewRead(perfProfile, ids.get(c+i))
				}
			}
			exec("batch", ops...)
		}},
		{"mixed", true, func(c int) {
			id := ids.get(c)
			switch c % 3 {
			case 0:
				exec("mixed", write(id))
			case 1:
				exec("mixed", store.NewRead(perfProfile, id))
			case 2:
				exec("mixed", store.NewDelete(perfProfile, id))
			}
		}},
	}

	for _, test := range tests {
		result := testing.Benchmark(func(b *testing.B) {
			if shouldSkip(test.name) {
				return
			}
			if test.prepare {
				prepare(test.name)
			}

			// cleanup
			b.Cleanup(func() { cleanup(test.name) })

			b.SetParallelism(perfNumThreads)

			b.ResetTimer()

			b.RunParallel(func(pb *testing.PB) {
				counter := 0
				for pb.Next() {
					test.op(counter)
					counter++
				}
			})
		})
		results[test.name] = result
		printResult(test.name, result)
	}

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, util.GetClientConfig()); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// recordShape returns attribute values matching the record layout of the server,
// learned from the first record of the profile
func recordShape(ctx context.Context, profile int) ([]int, []string, error) {
	records, err := rpcPeer.Dump(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dump node: %w", err)
	}
	for _, r := range records {
		if r.Profile != profile {
			continue
		}
		numbers := make([]int, len(r.Numbers))
		strs := make([]string, len(r.Strings))
		for i := range numbers {
			numbers[i] = i
		}
		for i := range strs {
			strs[i] = "perf"
		}
		return numbers, strs, nil
	}
	return nil, nil, fmt.Errorf("profile %d has no records to learn the record layout from", profile)
}

type recordIDs struct {
	first, spread int
}

func newRecordIDs() recordIDs {
	return recordIDs{first: perfFirstID, spread: perfKeySpread}
}

// get returns a record id by index (with wraparound)
func (r recordIDs) get(i int) int {
	return r.first + i%r.spread
}

// each applies fn to every record id
func (r recordIDs) each(fn func(int)) {
	for i := 0; i < r.spread; i++ {
		fn(r.first + i)
	}
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
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, config *common.ClientConfig) error {
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
		"Endpoints", "TimeoutSec", "RetryCount", "ConnectionsPerEndpoint",
		"Node", "Profile", "Serializer", "Transport",
		"Threads", "BatchSize", "Keys Count",
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
			strings.Join(config.Transport.Endpoints, ";"),
			strconv.Itoa(config.Transport.TimeoutSecond),
			strconv.Itoa(config.Transport.RetryCount),
			strconv.Itoa(config.Transport.ConnectionsPerEndpoint),
			strconv.FormatUint(viper.GetUint64("node"), 10),
			strconv.Itoa(perfProfile),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfBatchSize),
			strconv.Itoa(perfKeySpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
