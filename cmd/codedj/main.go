package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/codedj/pkg/codedjerr"
	"github.com/cuemby/codedj/pkg/config"
	"github.com/cuemby/codedj/pkg/coordinator"
	"github.com/cuemby/codedj/pkg/credentials"
	"github.com/cuemby/codedj/pkg/datastore"
	"github.com/cuemby/codedj/pkg/log"
	"github.com/cuemby/codedj/pkg/metrics"
	"github.com/cuemby/codedj/pkg/queue"
	"github.com/cuemby/codedj/pkg/updater"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var cfg config.Config

func main() {
	rootCmd.SetArgs(rewriteShortFlags(os.Args[1:]))
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// rewriteShortFlags maps the multi-rune short forms -ds and -ght onto
// their long flag names before pflag sees them: pflag shorthands are
// single-rune only, and its parser would otherwise split "-ds" into the
// unrelated shorthands "d" and "s".
func rewriteShortFlags(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		switch {
		case a == "-ds":
			out = append(out, "--datastore")
		case strings.HasPrefix(a, "-ds="):
			out = append(out, "--datastore="+strings.TrimPrefix(a, "-ds="))
		case a == "-ght":
			out = append(out, "--github-tokens")
		case strings.HasPrefix(a, "-ght="):
			out = append(out, "--github-tokens="+strings.TrimPrefix(a, "-ght="))
		default:
			out = append(out, a)
		}
	}
	return out
}

// exitCode maps an error's taxonomy kind to the CLI's exit codes:
// 2 usage, 3 lock contention, 4 corrupt store, 5 cancelled, 1 other.
func exitCode(err error) int {
	kind, ok := codedjerr.KindOf(err)
	if !ok {
		return 1
	}
	switch kind {
	case codedjerr.Usage:
		return 2
	case codedjerr.Lock:
		return 3
	case codedjerr.Codec, codedjerr.Integrity, codedjerr.VersionMismatch:
		return 4
	case codedjerr.Cancelled:
		return 5
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "codedj",
	Short: "codedj - append-only datastore and incremental scraper for repository history",
	Long: `codedj maintains an append-only, disk-resident datastore of software
repository history harvested from Git and GitHub, and keeps it
continuously up to date with a parallel incremental scraper.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		level := log.InfoLevel
		if flagBool(cmd, "verbose") || cfg.Verbose {
			level = log.DebugLevel
		}
		log.Init(log.Config{Level: level})

		if addr := effectiveString(cmd, "metrics-addr", cfg.MetricsAddr); addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			go http.ListenAndServe(addr, mux)
		}
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"codedj version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	pf := rootCmd.PersistentFlags()
	pf.String("datastore", "", "Path to the datastore root")
	pf.String("github-tokens", "", "Path to a GitHub tokens CSV (header \"token\", one per row)")
	pf.IntP("num-threads", "n", 0, "Number of updater worker threads")
	pf.BoolP("verbose", "v", false, "Enable debug logging")
	pf.BoolP("interactive", "i", false, "Show live per-worker progress counters")
	pf.Bool("force", false, "Override a stale lock / confirm destructive operations")
	pf.String("config", "", "Path to an optional yaml config file")
	pf.String("metrics-addr", "", "Address to expose Prometheus metrics on (disabled when empty)")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(updateProjectCmd)
	rootCmd.AddCommand(updateAllCmd)
	rootCmd.AddCommand(createSavepointCmd)
	rootCmd.AddCommand(revertToSavepointCmd)
	rootCmd.AddCommand(savepointsCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(sizeCmd)
	rootCmd.AddCommand(activeProjectsCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(pruneClonesCmd)
}

func flagBool(cmd *cobra.Command, name string) bool {
	v, _ := cmd.Flags().GetBool(name)
	return v
}

// effectiveString resolves a string knob: an explicitly-passed flag wins
// over the config file, which wins over the flag's default.
func effectiveString(cmd *cobra.Command, name, fromConfig string) string {
	if cmd.Flags().Changed(name) {
		v, _ := cmd.Flags().GetString(name)
		return v
	}
	if fromConfig != "" {
		return fromConfig
	}
	v, _ := cmd.Flags().GetString(name)
	return v
}

func effectiveThreads(cmd *cobra.Command) int {
	if cmd.Flags().Changed("num-threads") {
		v, _ := cmd.Flags().GetInt("num-threads")
		return v
	}
	return cfg.NumThreads
}

func datastorePath(cmd *cobra.Command) (string, error) {
	path := effectiveString(cmd, "datastore", cfg.Datastore)
	if path == "" {
		return "", codedjerr.New(codedjerr.Usage, cmd.Name(), nil, "--datastore is required")
	}
	return path, nil
}

func openStore(cmd *cobra.Command) (*datastore.Datastore, error) {
	path, err := datastorePath(cmd)
	if err != nil {
		return nil, err
	}
	return datastore.Open(path, flagBool(cmd, "force"))
}

func openCredentials(cmd *cobra.Command, root string) (*credentials.Pool, error) {
	tokensPath := effectiveString(cmd, "github-tokens", cfg.GithubTokens)
	if tokensPath == "" {
		return credentials.Anonymous(), nil
	}
	return credentials.Load(tokensPath, filepath.Join(root, "credentials.db"))
}

// signalContext returns a context cancelled by Ctrl-C or SIGTERM, giving
// in-flight workers their bounded grace period to reach a safe point.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// needArgs is cobra.ExactArgs with the error routed through the usage
// exit code.
func needArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return codedjerr.New(codedjerr.Usage, cmd.Name(), nil,
				fmt.Sprintf("expected %d argument(s), got %d", n, len(args)))
		}
		return nil
	}
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Initialize an empty datastore at --datastore",
	Args:  needArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := datastorePath(cmd)
		if err != nil {
			return err
		}
		if err := datastore.Create(path); err != nil {
			return err
		}
		fmt.Printf("Created datastore at %s\n", path)
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "add <url|csv>",
	Short: "Add a repository URL, or every URL found in a CSV file",
	Args:  needArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ds, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer ds.Close()

		result, err := ds.Add(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("added=%d skipped=%d malformed=%d\n", result.Added, result.Skipped, result.Malformed)
		return nil
	},
}

var updateProjectCmd = &cobra.Command{
	Use:   "update-project <name|url|id>",
	Short: "Run one project's incremental update",
	Args:  needArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ds, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer ds.Close()

		id, err := ds.ResolveProject(args[0])
		if err != nil {
			return err
		}

		pool, err := openCredentials(cmd, ds.Root())
		if err != nil {
			return err
		}
		defer pool.Close()

		ctx, stop := signalContext()
		defer stop()

		q := queue.New(1)
		if err := q.Push(ctx, queue.Task{ProjectID: id, Force: flagBool(cmd, "force")}); err != nil {
			return err
		}
		q.Cancel()

		c := coordinator.New(coordinator.Config{
			Datastore:  ds,
			Queue:      q,
			Worker:     newWorker(ds, pool),
			NumThreads: 1,
			Op:         "update-project",
		})
		if err := c.Run(ctx); err != nil {
			return err
		}

		status, ok, err := ds.UpdateStatus(id)
		if err != nil {
			return err
		}
		if ok {
			fmt.Printf("project %d: %s %s\n", id, status.Outcome, status.Detail)
		}
		if progress := c.Progress(); progress.Failed > 0 {
			return fmt.Errorf("project %d update failed", id)
		}
		return nil
	},
}

var updateAllCmd = &cobra.Command{
	Use:   "update-all",
	Short: "Enqueue and update every known project",
	Args:  needArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		ds, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer ds.Close()

		ids, err := ds.AllProjectIDs()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("no projects to update")
			return nil
		}

		pool, err := openCredentials(cmd, ds.Root())
		if err != nil {
			return err
		}
		defer pool.Close()

		ctx, stop := signalContext()
		defer stop()

		q := queue.New(1024)
		go func() {
			for _, id := range ids {
				if err := q.Push(ctx, queue.Task{ProjectID: id, Force: flagBool(cmd, "force")}); err != nil {
					break
				}
			}
			q.Cancel()
		}()

		c := coordinator.New(coordinator.Config{
			Datastore:  ds,
			Queue:      q,
			Worker:     newWorker(ds, pool),
			NumThreads: effectiveThreads(cmd),
		})

		if flagBool(cmd, "interactive") {
			done := make(chan struct{})
			defer close(done)
			go func() {
				ticker := time.NewTicker(2 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						p := c.Progress()
						fmt.Printf("\rdispatched=%d succeeded=%d failed=%d busy=%d queued=%d ",
							p.Dispatched, p.Succeeded, p.Failed, p.Busy, q.Size())
					case <-done:
						return
					}
				}
			}()
		}

		if err := c.Run(ctx); err != nil {
			return err
		}
		p := c.Progress()
		fmt.Printf("\ndispatched=%d succeeded=%d failed=%d\n", p.Dispatched, p.Succeeded, p.Failed)
		if ctx.Err() != nil {
			return codedjerr.Wrap(codedjerr.Cancelled, "update-all", ctx.Err())
		}
		return nil
	},
}

func newWorker(ds *datastore.Datastore, pool *credentials.Pool) *updater.Worker {
	return updater.New(updater.Config{
		Datastore:   ds,
		Credentials: pool,
		ClonesRoot:  filepath.Join(ds.Root(), "repo_clones"),
	})
}

var createSavepointCmd = &cobra.Command{
	Use:   "create-savepoint <name>",
	Short: "Record a named snapshot of every table's current length",
	Args:  needArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ds, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer ds.Close()

		if err := ds.CreateSavepoint(args[0]); err != nil {
			return err
		}
		fmt.Printf("savepoint %q created\n", args[0])
		return nil
	},
}

var revertToSavepointCmd = &cobra.Command{
	Use:   "revert-to-savepoint <name>",
	Short: "Truncate every table back to a savepoint (destructive, requires --force)",
	Args:  needArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ds, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer ds.Close()

		if err := ds.RevertToSavepoint(args[0], flagBool(cmd, "force")); err != nil {
			return err
		}
		fmt.Printf("reverted to savepoint %q\n", args[0])
		return nil
	},
}

var savepointsCmd = &cobra.Command{
	Use:   "savepoints",
	Short: "List savepoints, newest first",
	Args:  needArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		ds, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer ds.Close()

		records, err := ds.ListSavepoints()
		if err != nil {
			return err
		}
		for _, rec := range records {
			fmt.Printf("%s\t%s\n", rec.Name, rec.Timestamp.Format(time.RFC3339))
		}
		return nil
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Print the project count and per-sub-store record counts",
	Args:  needArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		ds, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer ds.Close()

		projects, perSubstore, err := ds.Summary()
		if err != nil {
			return err
		}
		fmt.Printf("projects=%d\n", projects)
		for name, counts := range perSubstore {
			fmt.Printf("substore %s:\n", name)
			for tableName, n := range counts {
				fmt.Printf("  %s=%d\n", tableName, n)
			}
		}
		return nil
	},
}

var sizeCmd = &cobra.Command{
	Use:   "size",
	Short: "Print the number of known projects",
	Args:  needArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		ds, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer ds.Close()

		fmt.Printf("projects=%d\n", ds.Size())
		return nil
	},
}

var activeProjectsCmd = &cobra.Command{
	Use:   "active-projects [days]",
	Short: "List projects updated within the last N days (default 90)",
	RunE: func(cmd *cobra.Command, args []string) error {
		days := 90
		if len(args) > 1 {
			return codedjerr.New(codedjerr.Usage, "active-projects", nil, "expected at most 1 argument")
		}
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 0 {
				return codedjerr.New(codedjerr.Usage, "active-projects", nil, "days must be a non-negative integer")
			}
			days = n
		}

		ds, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer ds.Close()

		ids, err := ds.ActiveProjects(days)
		if err != nil {
			return err
		}
		for _, id := range ids {
			rec, ok, err := ds.Project(id)
			if err != nil {
				return err
			}
			if ok {
				fmt.Printf("%d\t%s\n", id, rec.URL)
			}
		}
		fmt.Printf("active=%d (last %d days)\n", len(ids), days)
		return nil
	},
}

var pruneClonesCmd = &cobra.Command{
	Use:   "prune-clones",
	Short: "Delete the repo_clones scratch directory (reclaims disk; clones are re-fetched on demand)",
	Args:  needArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Opening the store takes the root lock, which guarantees no
		// updater in another process is mid-clone while we delete.
		ds, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer ds.Close()

		clones := filepath.Join(ds.Root(), "repo_clones")
		if err := os.RemoveAll(clones); err != nil {
			return codedjerr.Wrap(codedjerr.IO, "prune-clones", err)
		}
		fmt.Printf("removed %s\n", clones)
		return nil
	},
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Print the command log",
	Args:  needArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		ds, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer ds.Close()

		entries, err := ds.CommandLog().All()
		if err != nil {
			return err
		}
		for _, e := range entries {
			line := fmt.Sprintf("%s\t%s\t%s\t%s", e.Timestamp.Format(time.RFC3339), e.CorrelationID[:8], e.Phase, e.Op)
			if e.Args != "" {
				line += "\t" + e.Args
			}
			if e.Outcome != "" {
				line += "\t" + e.Outcome
			}
			if e.Detail != "" {
				line += "\t" + e.Detail
			}
			fmt.Println(line)
		}
		return nil
	},
}
