package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yuya-takeyama/git-load-tester/internal/config"
	"github.com/yuya-takeyama/git-load-tester/internal/runner"
	"github.com/yuya-takeyama/git-load-tester/pkg/logger"
	"github.com/yuya-takeyama/git-load-tester/pkg/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
	builtBy = "unknown"
)

var (
	concurrency int
	count       int
	verbose     bool
	progress    bool
	refPattern  string
	timeout     time.Duration
	configFile  string
)

// interruptGrace is how long workers get to notice cancellation before the
// process is terminated outright. Stuck network reads must never keep the
// process alive.
const interruptGrace = 2 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "git-load-tester <RepositoryURL>",
		Short: "Load test git servers over HTTPS and SSH",
		Long: `git-load-tester exercises a git server's fetch path by running many
concurrent clone handshakes (upload-pack want/done), streaming and discarding
the pack data, and reporting aggregate throughput.`,
		Version:      fmt.Sprintf("%s (commit: %s, built at: %s by %s)", version, commit, date, builtBy),
		Args:         cobra.ExactArgs(1),
		RunE:         run,
		SilenceUsage: true,
	}

	rootCmd.Flags().IntVarP(&concurrency, "concurrency", "c", 10, "Number of concurrent clone operations")
	rootCmd.Flags().IntVarP(&count, "count", "n", 100, "Total number of clone operations")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log every clone completion")
	rootCmd.Flags().BoolVar(&progress, "progress", false, "Show live progress display")
	rootCmd.Flags().StringVar(&refPattern, "ref", "", "Glob pattern selecting the ref to fetch (default: HEAD/main/master)")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Connect timeout per clone operation")
	rootCmd.Flags().StringVar(&configFile, "config", "", "Config file (default: ~/.config/git-load-tester/config.yaml)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	url := args[0]

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	protocol := "HTTPS"
	if transport.IsSSHURL(url) {
		protocol = "SSH"
	}

	fmt.Println("Git Load Tester starting...")
	fmt.Printf("URL: %s\n", url)
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Count: %d\n", cfg.Count)
	fmt.Printf("Detected protocol: %s\n", protocol)
	fmt.Println()

	var cloneLogger logger.Logger
	switch {
	case cfg.Progress:
		// The progress display owns the terminal.
		cloneLogger = &logger.NullLogger{}
	case cfg.Verbose:
		cloneLogger = &logger.VerboseLogger{}
	default:
		cloneLogger = &logger.QuietLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
		fmt.Fprintln(os.Stderr, "\n\nInterrupted. Abandoning in-flight clones...")
		// Give workers between operations a moment to stop, then exit
		// without waiting for stragglers stuck in I/O.
		time.Sleep(interruptGrace)
		os.Exit(130)
	}()

	r := runner.New(runner.Options{
		URL:         url,
		Concurrency: cfg.Concurrency,
		Count:       cfg.Count,
		Progress:    cfg.Progress,
		RefPattern:  cfg.Ref,
		Timeout:     cfg.Timeout,
		Logger:      cloneLogger,
	})

	summary := r.Run(ctx)

	if ctx.Err() != nil {
		os.Exit(130)
	}

	fmt.Println()
	fmt.Println(summary.Render())

	if summary.Failed > 0 {
		return fmt.Errorf("%d clone operations failed", summary.Failed)
	}
	return nil
}

// loadConfig merges defaults, the config file, environment variables, and
// command-line flags, in ascending precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	for _, key := range []string{"concurrency", "count", "verbose", "progress", "ref", "timeout"} {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(key)); err != nil {
			return nil, err
		}
	}
	return config.Load(v, configFile)
}
