package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingcap-incubator/txnkv-client/config"
	"github.com/pingcap-incubator/txnkv-client/internal/bench"
	"github.com/pingcap-incubator/txnkv-client/txnkv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	configPath string
	numKeys    int
	numOps     int
	workers    int
	readRatio  float64
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "txnkv-bench",
		Short: "Drive a mixed read/write workload through a txnkv.Client",
	}
	rootCmd.AddCommand(newRunCommand())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the workload against an in-memory store",
		RunE:  runWorkload,
	}
	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a TOML config file (optional, falls back to defaults)")
	flags.IntVar(&numKeys, "keys", 1000, "size of the keyspace touched by the workload")
	flags.IntVar(&numOps, "ops", 10000, "total number of single-key operations to run")
	flags.IntVar(&workers, "workers", 8, "number of concurrent workload goroutines")
	flags.Float64Var(&readRatio, "read-ratio", 0.8, "fraction of operations that are reads")
	return cmd
}

type result struct {
	ok       bool
	conflict bool
	latency  time.Duration
}

func runWorkload(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return errors.Wrap(err, "load config")
		}
		cfg = loaded
	}

	store := bench.NewStore()
	client := txnkv.NewClient(store, store, store, cfg)
	defer client.Close()

	results := make(chan result, numOps)
	var wg sync.WaitGroup
	var issued int64

	start := time.Now()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for atomic.AddInt64(&issued, 1) <= int64(numOps) {
				results <- runOne(context.Background(), client, rng)
			}
		}(int64(w) + 1)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var total, ok, conflicts int
	var latencySum time.Duration
	for r := range results {
		total++
		latencySum += r.latency
		if r.ok {
			ok++
		}
		if r.conflict {
			conflicts++
		}
	}
	elapsed := time.Since(start)

	fmt.Printf("ran %d operations across %d workers in %s\n", total, workers, elapsed)
	fmt.Printf("  succeeded:        %d (%.1f%%)\n", ok, 100*float64(ok)/float64(total))
	fmt.Printf("  write conflicts:  %d\n", conflicts)
	if total > 0 {
		fmt.Printf("  mean op latency:  %s\n", latencySum/time.Duration(total))
	}
	fmt.Println("metrics are live in the process's default prometheus registry (internal/metrics) for a real deployment to scrape")
	return nil
}

// runOne runs one transaction: a read-ratio-weighted coin flip picks a
// single-key read or a single-key blind write (Put, PreCommit, Commit)
// over the configured keyspace.
func runOne(ctx context.Context, client *txnkv.Client, rng *rand.Rand) result {
	start := time.Now()
	key := []byte(fmt.Sprintf("key-%d", rng.Intn(numKeys)))

	txn, err := client.Begin(ctx)
	if err != nil {
		return result{latency: time.Since(start)}
	}

	if rng.Float64() < readRatio {
		_, _, err := txn.Get(ctx, key)
		return result{ok: err == nil, latency: time.Since(start)}
	}

	value := []byte(fmt.Sprintf("v-%d", rng.Int63()))
	if err := txn.Put(key, value); err != nil {
		return result{latency: time.Since(start)}
	}
	if err := txn.PreCommit(ctx); err != nil {
		_, isConflict := err.(*txnkv.ErrWriteConflict)
		_ = txn.Rollback(ctx)
		return result{conflict: isConflict, latency: time.Since(start)}
	}
	if err := txn.Commit(ctx); err != nil {
		return result{latency: time.Since(start)}
	}
	return result{ok: true, latency: time.Since(start)}
}
