// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides an interactive REPL (Read-Eval-Print Loop) for the
// hybrid log store.
//
// This command-line tool allows users to interactively exercise the store
// through a simple command interface. It is useful for development,
// testing, and exploring the API.
//
// # Usage
//
// Start the REPL against a directory-backed store:
//
//	go run ./cmd/repl --dir /tmp/hlstore
//
// Or fully in memory:
//
//	go run ./cmd/repl --mem
//
// Available commands:
//
//	get <key>            - Retrieve a value by key
//	put <key> <value>    - Store a key-value pair
//	rmw <key> <suffix>   - Append suffix to the value (read-modify-write)
//	del <key>            - Delete a key
//	checkpoint           - Take a full checkpoint and print its token
//	stats                - Print store counters and watermarks
//	quit, exit           - Exit the REPL
//
// Configuration is taken from flags, environment variables prefixed with
// HLSTORE_, and an optional .env file in the working directory.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kianostad/hlstore"
)

func main() {
	_ = godotenv.Load()

	var useMem bool
	root := &cobra.Command{
		Use:   "repl",
		Short: "Interactive shell for the hybrid log store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := hlstore.DefaultConfig(viper.GetString("dir"))
			if useMem {
				cfg.Dir = ""
				cfg.Device = hlstore.NewMemoryDevice(512, -1)
				cfg.CheckpointDir = os.TempDir()
			}
			cfg.PageBits = uint(viper.GetUint("page-bits"))
			store, err := hlstore.Open(cfg)
			if err != nil {
				return err
			}
			defer store.Dispose()
			run(store)
			return nil
		},
	}
	root.Flags().String("dir", "hlstore-data", "store directory")
	root.Flags().Uint("page-bits", 20, "log page size as a power of two")
	root.Flags().BoolVar(&useMem, "mem", false, "use an in-memory device")
	_ = viper.BindPFlag("dir", root.Flags().Lookup("dir"))
	_ = viper.BindPFlag("page-bits", root.Flags().Lookup("page-bits"))
	viper.SetEnvPrefix("hlstore")
	viper.AutomaticEnv()

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(store *hlstore.Store) {
	s := store.StartSession()
	defer s.Stop()

	var serial uint64
	next := func() uint64 { serial++; return serial }

	fmt.Println("hlstore repl - type 'help' for commands")
	sc := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !sc.Scan() {
			break
		}
		parts := strings.Fields(sc.Text())
		if len(parts) == 0 {
			continue
		}
		switch parts[0] {
		case "get":
			if len(parts) != 2 {
				fmt.Println("usage: get <key>")
				continue
			}
			val, st := s.Read([]byte(parts[1]), nil, next())
			switch st {
			case hlstore.OK:
				fmt.Printf("Value: %s\n", val)
			case hlstore.Pending:
				for _, op := range s.CompletePending(true) {
					if op.Status == hlstore.OK {
						fmt.Printf("Value: %s\n", op.Output)
					} else {
						fmt.Println("Key not found")
					}
				}
			default:
				fmt.Println("Key not found")
			}
		case "put":
			if len(parts) < 3 {
				fmt.Println("usage: put <key> <value>")
				continue
			}
			s.Upsert([]byte(parts[1]), []byte(strings.Join(parts[2:], " ")), next())
			fmt.Println("OK")
		case "rmw":
			if len(parts) < 3 {
				fmt.Println("usage: rmw <key> <suffix>")
				continue
			}
			st := s.RMW([]byte(parts[1]), []byte(strings.Join(parts[2:], " ")), next())
			if st == hlstore.Pending {
				s.CompletePending(true)
			}
			fmt.Println(st)
		case "del":
			if len(parts) != 2 {
				fmt.Println("usage: del <key>")
				continue
			}
			s.Delete([]byte(parts[1]), next())
			fmt.Println("Deleted")
		case "checkpoint":
			tok, err := store.TakeFullCheckpoint(s)
			if err != nil {
				fmt.Println("Error:", err)
				continue
			}
			if err := store.CompleteCheckpoint(s, true); err != nil {
				fmt.Println("Error:", err)
				continue
			}
			fmt.Println("Token:", tok)
		case "stats":
			fmt.Printf("entries=%d buckets=%d\n", store.EntryCount(), store.IndexSize())
			fmt.Printf("begin=%d head=%d safeRO=%d readOnly=%d tail=%d\n",
				store.LogBeginAddress(), store.LogHeadAddress(),
				store.LogSafeReadOnlyAddress(), store.LogReadOnlyAddress(),
				store.LogTailAddress())
			store.Internal().Metrics().WritePrometheus(os.Stdout)
		case "help":
			fmt.Println("commands: get put rmw del checkpoint stats quit")
		case "quit", "exit":
			fmt.Println("Goodbye!")
			return
		default:
			fmt.Println("unknown command; type 'help'")
		}
	}
}
