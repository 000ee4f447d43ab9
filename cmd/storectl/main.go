package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/logkv/pkg/elog"
	"github.com/cuemby/logkv/pkg/emetrics"
	"github.com/cuemby/logkv/pkg/engine"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "storectl",
	Short: "storectl - inspect and administer a logkv storage environment",
	Long: `storectl is the operator CLI for a logkv environment: open a
directory, read and write records, and drive the background subsystems
(checkpoint, clean, compress, evict) on demand.`,
}

func init() {
	rootCmd.PersistentFlags().String("dir", "", "Environment directory (required)")
	rootCmd.PersistentFlags().String("config", "", "Path to a logkv.yaml config file")
	rootCmd.PersistentFlags().Bool("create", false, "Create the environment if it does not exist")
	rootCmd.PersistentFlags().Bool("read-only", false, "Open the environment read-only")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.MarkPersistentFlagRequired("dir")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(evictCmd)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	elog.Init(elog.Config{
		Level:      elog.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// withEnv opens the environment named by --dir for the duration of fn,
// closing it (which stops the background work and flushes the log; no
// checkpoint is taken) once fn returns.
func withEnv(cmd *cobra.Command, fn func(env *engine.Environment) error) error {
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		return fmt.Errorf("--dir is required")
	}
	configPath, _ := cmd.Flags().GetString("config")
	create, _ := cmd.Flags().GetBool("create")
	readOnly, _ := cmd.Flags().GetBool("read-only")

	cfg, err := engine.LoadEnvironmentConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.AllowCreate = create
	cfg.ReadOnly = readOnly

	env, err := engine.Open(dir, cfg)
	if err != nil {
		return fmt.Errorf("failed to open environment: %w", err)
	}
	defer env.Close()

	return fn(env)
}

// Database commands

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage databases within an environment",
}

var dbCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a new database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		allowDup, _ := cmd.Flags().GetBool("dup")
		return withEnv(cmd, func(env *engine.Environment) error {
			db, err := env.OpenDatabase(nil, name, engine.DatabaseConfig{Create: true, AllowDuplicates: allowDup})
			if err != nil {
				return fmt.Errorf("failed to create database: %w", err)
			}
			defer db.Close()
			fmt.Printf("✓ Database created: %s (id %d)\n", name, db.ID())
			return nil
		})
	},
}

var dbListCmd = &cobra.Command{
	Use:   "list",
	Short: "List databases known to the environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, func(env *engine.Environment) error {
			names, err := env.ListDatabases()
			if err != nil {
				return fmt.Errorf("failed to list databases: %w", err)
			}
			if len(names) == 0 {
				fmt.Println("No databases found")
				return nil
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		})
	},
}

var dbDropCmd = &cobra.Command{
	Use:   "drop NAME",
	Short: "Remove a database's directory entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		return withEnv(cmd, func(env *engine.Environment) error {
			if err := env.RemoveDatabase(nil, name); err != nil {
				return fmt.Errorf("failed to drop database: %w", err)
			}
			fmt.Printf("✓ Database dropped: %s\n", name)
			return nil
		})
	},
}

var dbRenameCmd = &cobra.Command{
	Use:   "rename OLD NEW",
	Short: "Rename a closed database",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to := args[0], args[1]
		return withEnv(cmd, func(env *engine.Environment) error {
			if err := env.RenameDatabase(nil, from, to); err != nil {
				return fmt.Errorf("failed to rename database: %w", err)
			}
			fmt.Printf("✓ Database renamed: %s -> %s\n", from, to)
			return nil
		})
	},
}

func init() {
	dbCmd.AddCommand(dbCreateCmd, dbListCmd, dbDropCmd, dbRenameCmd)
	dbCreateCmd.Flags().Bool("dup", false, "Allow duplicate keys")
}

// Record commands

var putCmd = &cobra.Command{
	Use:   "put DBNAME KEY VALUE",
	Short: "Insert or overwrite a record",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbName, key, value := args[0], args[1], args[2]
		allowDup, _ := cmd.Flags().GetBool("dup")
		return withEnv(cmd, func(env *engine.Environment) error {
			db, err := env.OpenDatabase(nil, dbName, engine.DatabaseConfig{AllowDuplicates: allowDup})
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()
			if err := db.Put(nil, []byte(key), []byte(value)); err != nil {
				return fmt.Errorf("failed to put record: %w", err)
			}
			fmt.Printf("✓ Put %s/%s\n", dbName, key)
			return nil
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get DBNAME KEY",
	Short: "Read a record's value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbName, key := args[0], args[1]
		return withEnv(cmd, func(env *engine.Environment) error {
			db, err := env.OpenDatabase(nil, dbName, engine.DatabaseConfig{})
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()
			value, err := db.Get(nil, []byte(key))
			if err != nil {
				return fmt.Errorf("failed to get record: %w", err)
			}
			fmt.Println(string(value))
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete DBNAME KEY",
	Short: "Delete a record (every duplicate, if the database allows them)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbName, key := args[0], args[1]
		return withEnv(cmd, func(env *engine.Environment) error {
			db, err := env.OpenDatabase(nil, dbName, engine.DatabaseConfig{})
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()
			if err := db.Delete(nil, []byte(key)); err != nil {
				return fmt.Errorf("failed to delete record: %w", err)
			}
			fmt.Printf("✓ Deleted %s/%s\n", dbName, key)
			return nil
		})
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan DBNAME",
	Short: "Walk every record in a database in key order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbName := args[0]
		limit, _ := cmd.Flags().GetInt("limit")
		return withEnv(cmd, func(env *engine.Environment) error {
			db, err := env.OpenDatabase(nil, dbName, engine.DatabaseConfig{})
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()
			c, err := db.OpenCursor(nil)
			if err != nil {
				return fmt.Errorf("failed to open cursor: %w", err)
			}
			defer c.Close()
			count := 0
			for err := c.First(); err == nil; {
				key, value, cerr := c.Current()
				if cerr != nil {
					// A position the cursor landed on can still turn out
					// to be dead (e.g. a key whose only duplicates were
					// all deleted): skip forward rather than ending the
					// scan early.
					err = c.Next()
					continue
				}
				fmt.Printf("%s\t%s\n", key, value)
				count++
				if limit > 0 && count >= limit {
					break
				}
				err = c.Next()
			}
			return nil
		})
	},
}

func init() {
	putCmd.Flags().Bool("dup", false, "Database allows duplicate keys")
	scanCmd.Flags().Int("limit", 0, "Stop after this many records (0 means no limit)")
}

// Diagnostic / admin commands

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Report environment, lock, and transaction statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, func(env *engine.Environment) error {
			s := env.Stats()
			fmt.Printf("Instance ID:      %s\n", s.InstanceID)
			fmt.Printf("Open databases:   %d\n", s.OpenDatabases)
			fmt.Printf("Current log file: %d\n", s.CurrentFileNum)
			fmt.Printf("Checkpoint found: %t\n", s.CheckpointFound)

			ls := env.LockStats()
			fmt.Printf("Held locks:       %d\n", ls.Entries)
			fmt.Printf("Waiting lockers:  %d\n", ls.Waiters)

			fmt.Printf("Active txns:      %d\n", env.TxnStats())
			return nil
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Confirm every database's root is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, func(env *engine.Environment) error {
			if err := env.Verify(); err != nil {
				return fmt.Errorf("verify failed: %w", err)
			}
			fmt.Println("✓ Verify passed")
			return nil
		})
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Run one checkpoint cycle immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, func(env *engine.Environment) error {
			lsn, err := env.Checkpoint()
			if err != nil {
				return fmt.Errorf("checkpoint failed: %w", err)
			}
			fmt.Printf("✓ Checkpoint written at LSN %s\n", lsn)
			return nil
		})
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Run one cleaner cycle immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, func(env *engine.Environment) error {
			fileNum, cleaned := env.CleanLog()
			if !cleaned {
				fmt.Println("No log file needed cleaning")
				return nil
			}
			fmt.Printf("✓ Cleaned log file %d\n", fileNum)
			return nil
		})
	},
}

var compressCmd = &cobra.Command{
	Use:   "compress",
	Short: "Run one compressor cycle immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, func(env *engine.Environment) error {
			n := env.Compress()
			fmt.Printf("✓ Removed %d known-deleted entries\n", n)
			return nil
		})
	},
}

var evictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Run one eviction cycle over every resident tree immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, func(env *engine.Environment) error {
			n := env.EvictMemory()
			fmt.Printf("✓ Freed %d bytes\n", n)
			return nil
		})
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the environment and serve its Prometheus metrics until interrupted",
	Long: `serve keeps the environment open with its background subsystems
running (checkpoint, clean, compress, evict) and exposes /metrics for
scraping, useful for soak-testing or driving the cleaner against a
live workload written by another process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		return withEnv(cmd, func(env *engine.Environment) error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", emetrics.Handler())
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				if err := env.Verify(); err != nil {
					w.WriteHeader(http.StatusServiceUnavailable)
					fmt.Fprintf(w, "unhealthy: %v\n", err)
					return
				}
				w.WriteHeader(http.StatusOK)
				fmt.Fprintln(w, "ok")
			})

			srv := &http.Server{Addr: addr, Handler: mux}
			errCh := make(chan error, 1)
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()
			fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", addr)
			fmt.Println("Environment open. Press Ctrl+C to stop.")

			sigCh := waitForInterrupt()
			select {
			case <-sigCh:
				fmt.Println("\nShutting down...")
			case err := <-errCh:
				fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
			}
			return srv.Close()
		})
	},
}

func init() {
	serveCmd.Flags().String("addr", "127.0.0.1:9090", "Address for the metrics/health HTTP server")
}

// waitForInterrupt returns a channel that fires on SIGINT or SIGTERM,
// matching the signal-handling pattern every long-running subcommand uses.
func waitForInterrupt() chan os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	return sigCh
}
