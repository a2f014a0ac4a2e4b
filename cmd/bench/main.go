// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides a load generator for the hybrid log store.
//
// The benchmark runs a configurable mix of upserts, reads and
// read-modify-write increments over a keyspace from several concurrent
// sessions, optionally doubling the index mid-run, and reports throughput
// plus the engine's internal counters.
//
// # Usage
//
//	go run ./cmd/bench --sessions 8 --ops 100000 --keys 10000
//	go run ./cmd/bench --grow
//
// Configuration is taken from flags and environment variables prefixed
// with HLSTORE_.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kianostad/hlstore"
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark the hybrid log store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench()
		},
	}
	flags := root.Flags()
	flags.String("dir", "", "store directory (empty = in-memory device)")
	flags.Int("sessions", 8, "concurrent sessions")
	flags.Int("ops", 100_000, "operations per session")
	flags.Int("keys", 10_000, "distinct keys")
	flags.Int("read-pct", 50, "percentage of reads in the mix")
	flags.Int("rmw-pct", 25, "percentage of RMW increments in the mix")
	flags.Bool("grow", false, "double the index mid-run")
	for _, f := range []string{"dir", "sessions", "ops", "keys", "read-pct", "rmw-pct", "grow"} {
		_ = viper.BindPFlag(f, flags.Lookup(f))
	}
	viper.SetEnvPrefix("hlstore")
	viper.AutomaticEnv()

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runBench() error {
	dir := viper.GetString("dir")
	cfg := hlstore.DefaultConfig(dir)
	cfg.Functions = hlstore.AdderFunctions{}
	if dir == "" {
		cfg.Device = hlstore.NewMemoryDevice(512, -1)
		cfg.CheckpointDir = os.TempDir()
	}
	store, err := hlstore.Open(cfg)
	if err != nil {
		return err
	}
	defer store.Dispose()

	sessions := viper.GetInt("sessions")
	ops := viper.GetInt("ops")
	keys := viper.GetInt("keys")
	readPct := viper.GetInt("read-pct")
	rmwPct := viper.GetInt("rmw-pct")
	grow := viper.GetBool("grow")

	one := make([]byte, 8)
	one[0] = 1

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < sessions; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			s := store.StartSession()
			defer s.Stop()
			rng := rand.New(rand.NewSource(seed))
			var serial uint64
			for i := 0; i < ops; i++ {
				serial++
				key := []byte(fmt.Sprintf("key-%08d", rng.Intn(keys)))
				switch p := rng.Intn(100); {
				case p < readPct:
					if _, st := s.Read(key, nil, serial); st == hlstore.Pending {
						s.CompletePending(true)
					}
				case p < readPct+rmwPct:
					if st := s.RMW(key, one, serial); st == hlstore.Pending {
						s.CompletePending(true)
					}
				default:
					if st := s.Upsert(key, one, serial); st == hlstore.Pending {
						s.CompletePending(true)
					}
				}
			}
			s.CompletePending(true)
		}(int64(w) + 1)
	}

	if grow {
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(50 * time.Millisecond)
			s := store.StartSession()
			defer s.Stop()
			if store.GrowIndex(s) {
				fmt.Printf("index grown to %d buckets\n", store.IndexSize())
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)
	total := sessions * ops
	fmt.Printf("%d ops across %d sessions in %v (%.0f ops/sec)\n",
		total, sessions, elapsed, float64(total)/elapsed.Seconds())
	fmt.Printf("entries=%d buckets=%d tail=%d\n",
		store.EntryCount(), store.IndexSize(), store.LogTailAddress())
	store.Internal().Metrics().WritePrometheus(os.Stdout)
	return nil
}
