package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ctfleet/internal/config"
	"ctfleet/internal/coordinator"
	"ctfleet/internal/dedupe"
	"ctfleet/internal/health"
	"ctfleet/internal/loglist"
	"ctfleet/internal/pipeline"
	"ctfleet/internal/poller"
	"ctfleet/internal/sinks/csvsink"
	"ctfleet/internal/sinks/jsonlsink"
	"ctfleet/internal/sinks/redissink"
	"ctfleet/internal/sinks/stdoutsink"
	"ctfleet/internal/sinks/webhooksink"
	"ctfleet/internal/statestore"
	"ctfleet/internal/watchlist"
	"ctfleet/pkg/models"
	"ctfleet/pkg/sinks"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor [pattern...]",
	Short: "Watch Certificate Transparency logs for matching certificates",
	Long: `Monitor polls the Certificate Transparency logs accepted by the log-list
policy (usable and qualified by default), parses each new entry and matches
it against a watchlist of domain suffix patterns, exact hostnames, IPs and
CIDR ranges.

Patterns are plain arguments (e.g. "*.example.com", ".example.com",
"example.com") added as domain suffix patterns to the anonymous program.
Use --hosts, --ips and
--cidrs for the other three containers, and --root-domains-file to load
an additional post-filter list.

Examples:
  ctfleet monitor "*.example.com"
  ctfleet monitor "*.example.com" --jsonl-path ./matches.jsonl
  ctfleet monitor --all-domains --csv-path ./matches.csv
  ctfleet monitor "*.example.com" --webhook-url https://hooks.example/ct`,
	Args: func(cmd *cobra.Command, args []string) error {
		allDomains, _ := cmd.Flags().GetBool("all-domains")
		if allDomains || len(args) > 0 {
			return nil
		}
		hosts, _ := cmd.Flags().GetStringSlice("hosts")
		ips, _ := cmd.Flags().GetStringSlice("ips")
		cidrs, _ := cmd.Flags().GetStringSlice("cidrs")
		if len(hosts) > 0 || len(ips) > 0 || len(cidrs) > 0 {
			return nil
		}
		return fmt.Errorf("no watchlist patterns specified: pass patterns as arguments, --hosts/--ips/--cidrs, or --all-domains")
	},
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)

	monitorCmd.Flags().StringSlice("hosts", nil, "exact hostnames to watch")
	monitorCmd.Flags().StringSlice("ips", nil, "single IP literals to watch")
	monitorCmd.Flags().StringSlice("cidrs", nil, "CIDR ranges to watch")
	monitorCmd.Flags().Bool("all-domains", false, "match every certificate (no watchlist filtering)")
	monitorCmd.Flags().String("root-domains-file", "", "newline-delimited list of root domains used as a post-match filter")

	monitorCmd.Flags().String("jsonl-path", "", "append matches as JSON Lines to this file")
	monitorCmd.Flags().String("csv-path", "", "append matches as CSV rows to this file")
	monitorCmd.Flags().String("webhook-url", "", "POST matches, HMAC-signed, to this URL")
	monitorCmd.Flags().String("webhook-secret", "", "HMAC-SHA256 signing secret for --webhook-url")
	monitorCmd.Flags().Bool("no-stdout", false, "disable the stdout sink")

	monitorCmd.Flags().Int("poll-interval-secs", 10, "per-log polling interval")
	monitorCmd.Flags().Int("batch-size", 256, "entries requested per get-entries call")
	monitorCmd.Flags().Bool("parse-precerts", true, "parse precertificate leaves as well as final certificates")
	monitorCmd.Flags().String("log-list-url", "https://www.gstatic.com/ct/log_list/v3/log_list.json", "CT log list document URL")
	monitorCmd.Flags().String("state-path", "ctfleet-state.tsv", "cursor persistence file path")
	monitorCmd.Flags().Bool("dedupe-enabled", true, "suppress repeat matches within the dedupe window")
	monitorCmd.Flags().Bool("include-readonly", false, "include readonly logs")
	monitorCmd.Flags().Bool("include-pending", false, "include pending logs")
	monitorCmd.Flags().Bool("include-all", false, "include logs in every state, regardless of acceptance policy")
	monitorCmd.Flags().Int("max-concurrent-logs", 100, "cap on the number of logs polled concurrently")

	monitorCmd.Flags().Bool("redis-enabled", false, "publish matches to Redis")
	monitorCmd.Flags().String("redis-url", "", "redis://[:password@]host:port/db")
	monitorCmd.Flags().String("redis-channel", "ctfleet-matches", "pub/sub channel for matches")
	monitorCmd.Flags().String("redis-queue-key", "", "also RPUSH matches onto this bounded list key")
	monitorCmd.Flags().Bool("redis-strict", false, "fail startup if the initial Redis connection fails")

	for _, f := range []string{
		"root-domains-file",
		"poll-interval-secs", "batch-size", "parse-precerts", "log-list-url",
		"state-path", "dedupe-enabled", "include-readonly", "include-pending",
		"include-all", "max-concurrent-logs",
		"redis-enabled", "redis-url", "redis-channel", "redis-queue-key", "redis-strict",
	} {
		viper.BindPFlag(flagToKey(f), monitorCmd.Flags().Lookup(f))
	}
}

// flagToKey maps a --redis-url style flag name onto its redis.url style
// viper config key so one BindPFlag loop covers both plain and nested
// Redis settings.
func flagToKey(flag string) string {
	if strings.HasPrefix(flag, "redis-") {
		return "redis." + strings.ReplaceAll(strings.TrimPrefix(flag, "redis-"), "-", "_")
	}
	return strings.ReplaceAll(flag, "-", "_")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return fmt.Errorf("monitor: %w", err)
	}

	wl := watchlist.New()
	allDomains, _ := cmd.Flags().GetBool("all-domains")
	if !allDomains {
		if len(args) > 0 {
			wl.AddDomains("", args...)
		}
		if hosts, _ := cmd.Flags().GetStringSlice("hosts"); len(hosts) > 0 {
			wl.AddHosts("", hosts...)
		}
		if ips, _ := cmd.Flags().GetStringSlice("ips"); len(ips) > 0 {
			wl.AddIPs("", ips...)
		}
		if cidrs, _ := cmd.Flags().GetStringSlice("cidrs"); len(cidrs) > 0 {
			if err := wl.AddCIDRs("", cidrs...); err != nil {
				rootLog.Warn().Err(err).Msg("one or more --cidrs entries were malformed and skipped")
			}
		}
	}

	var rootDomains []string
	if cfg.RootDomainsFile != "" {
		rootDomains, err = loadRootDomainsFile(cfg.RootDomainsFile)
		if err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
	}

	dedupeCache := dedupe.New(dedupe.DefaultWindow, cfg.DedupeEnabled)

	sinkList, closers, err := buildSinks(cmd, cfg)
	if err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	pipelineOpts := []pipeline.Option{}
	if len(rootDomains) > 0 {
		pipelineOpts = append(pipelineOpts, pipeline.WithRootDomains(rootDomains))
	}
	pl := pipeline.New(wl, dedupeCache, sinkList, rootLog, pipelineOpts...)

	events := make(chan models.CertificateEvent, cfg.MatchChannelCapacity)
	stop := make(chan struct{})

	store := statestore.New(cfg.StatePath, rootLog)
	if err := store.Load(); err != nil {
		return fmt.Errorf("monitor: loading state store: %w", err)
	}

	resolver := loglist.New(cfg.LogListURL)
	policy := loglist.AcceptancePolicy{
		IncludeReadonly: cfg.IncludeReadonly,
		IncludePending:  cfg.IncludePending,
		IncludeAll:      cfg.IncludeAll,
	}
	logs, err := resolver.Resolve(context.Background(), policy, cfg.AdditionalLogs, cfg.MaxConcurrentLogs)
	if err != nil {
		return fmt.Errorf("monitor: resolving log list: %w", err)
	}
	rootLog.Info().Int("log_count", len(logs)).Msg("resolved log list")

	tracker := health.New(rootLog)
	pollCfg := poller.Config{
		PollInterval:    cfg.PollInterval(),
		BatchSize:       cfg.BatchSize,
		AllowPrecerts:   cfg.ParsePrecerts,
		BackfillEntries: uint64(cfg.BackfillEntries),
	}
	coord := coordinator.New(store, tracker, events, pollCfg, nil, rootLog)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		rootLog.Info().Msg("shutdown requested")
		close(stop)
	}()

	go pl.Run(events, stop)

	rootLog.Info().Msg("monitoring started, press Ctrl+C to stop")
	return coord.Run(context.Background(), logs, stop)
}

type closer interface{ Close() error }

func buildSinks(cmd *cobra.Command, cfg config.Config) ([]sinks.MatchSink, []closer, error) {
	var sinkList []sinks.MatchSink
	var closers []closer

	if noStdout, _ := cmd.Flags().GetBool("no-stdout"); !noStdout {
		format := stdoutsink.FormatJSON
		if viper.GetString("output") == "table" {
			format = stdoutsink.FormatTable
		}
		sinkList = append(sinkList, stdoutsink.New(format, rootLog))
	}

	if path, _ := cmd.Flags().GetString("jsonl-path"); path != "" {
		s, err := jsonlsink.New(path, rootLog)
		if err != nil {
			return nil, nil, fmt.Errorf("building jsonl sink: %w", err)
		}
		sinkList = append(sinkList, s)
		closers = append(closers, s)
	}

	if path, _ := cmd.Flags().GetString("csv-path"); path != "" {
		s, err := csvsink.New(path, rootLog)
		if err != nil {
			return nil, nil, fmt.Errorf("building csv sink: %w", err)
		}
		sinkList = append(sinkList, s)
		closers = append(closers, s)
	}

	if url, _ := cmd.Flags().GetString("webhook-url"); url != "" {
		secret, _ := cmd.Flags().GetString("webhook-secret")
		sinkList = append(sinkList, webhooksink.New(url, []byte(secret), rootLog))
	}

	if cfg.Redis.Enabled {
		s, err := redissink.New(redissink.Config{
			URL:      cfg.Redis.URL,
			Channel:  cfg.Redis.Channel,
			QueueKey: cfg.Redis.QueueKey,
			MaxQueue: cfg.Redis.MaxQueue,
			Strict:   cfg.Redis.Strict,
		}, rootLog)
		if err != nil {
			return nil, nil, fmt.Errorf("building redis sink: %w", err)
		}
		sinkList = append(sinkList, s)
		closers = append(closers, s)
	}

	return sinkList, closers, nil
}
