package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ahmadzakiakmal/supplychain-provenance/client"
	"github.com/ahmadzakiakmal/supplychain-provenance/config"
	"github.com/ahmadzakiakmal/supplychain-provenance/connection"
	"github.com/ahmadzakiakmal/supplychain-provenance/contract"
	"github.com/ahmadzakiakmal/supplychain-provenance/eventsync"
	"github.com/ahmadzakiakmal/supplychain-provenance/metrics"
	"github.com/ahmadzakiakmal/supplychain-provenance/repository"
	"github.com/ahmadzakiakmal/supplychain-provenance/wallet"
	cmtflags "github.com/cometbft/cometbft/libs/cli/flags"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var (
	// Flags
	cfgFile string
	account string

	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "scctl",
		Short: "Supply-chain provenance client",
		Long: `scctl drives items through the supply chain on the ledger.

It manages role membership, performs lifecycle transitions, follows the
contract's event stream and serves the same operations over HTTP.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}
)

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./scctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&account, "account", "", "acting account (default is the session's active account)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(roleCmd)
	rootCmd.AddCommand(itemCmd)
	rootCmd.AddCommand(watchCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	return cfg.Validate()
}

// runtime is the wired client core of one command invocation.
type runtime struct {
	logger     cmtlog.Logger
	registry   *prometheus.Registry
	client     *client.Client
	repository *repository.Repository
}

type runtimeOptions struct {
	mirror bool
	replay bool
	// handler sees every event, including replayed ones
	handler eventsync.Handler
}

func newRuntime(ctx context.Context, opts runtimeOptions) (*runtime, error) {
	logger := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stderr))
	logger, err := cmtflags.ParseLogLevel(cfg.LogLevel, logger, "info")
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	w, err := wallet.FromConfig(cfg.Viper(), logger)
	if err != nil {
		return nil, err
	}
	if w != nil && cfg.Viper().ConfigFileUsed() != "" {
		w.Watch(cfg.Viper())
	}

	connCfg, err := cfg.Connection()
	if err != nil {
		return nil, err
	}
	mgr := connection.NewManager(connCfg, w, nil, logger, m)

	rt := &runtime{logger: logger, registry: reg}
	var sink eventsync.Sink
	if opts.mirror && cfg.DatabaseDSN != "" {
		rt.repository = repository.NewRepository(logger)
		if err := rt.repository.ConnectDB(cfg.DatabaseDSN, cfg.DatabaseAttempts, cfg.DatabaseDelay); err != nil {
			return nil, err
		}
		sink = rt.repository
	}
	syncCfg := cfg.Sync(sink)
	syncCfg.Replay = syncCfg.Replay || opts.replay
	s := eventsync.New(syncCfg, logger, m)
	if opts.handler != nil {
		s.Subscribe(opts.handler)
	}
	s.OnError(func(err error) {
		logger.Error("Event synchronization degraded", "err", err)
	})

	rt.client = client.New(mgr, s, logger)
	if _, err := rt.client.Connect(ctx); err != nil {
		rt.client.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) Close() {
	rt.client.Close()
}

// actor returns the --account flag or the session's active account.
func (rt *runtime) actor() (contract.Address, error) {
	if account != "" {
		return contract.ParseAddress(account)
	}
	s, err := rt.client.Session()
	if err != nil {
		return contract.EmptyAddress, err
	}
	return s.Account, nil
}

func printLine(out io.Writer, v interface{}) error {
	return json.NewEncoder(out).Encode(v)
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
