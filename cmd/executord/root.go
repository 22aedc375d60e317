package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/GPTx-global/executor/executor/config"
	"github.com/GPTx-global/executor/executor/daemon"
	"github.com/GPTx-global/executor/executor/log"
)

const flagHome = "home"

// flag name -> config key
var flagKeys = map[string]string{
	"chain-id":               "chain.id",
	"http-endpoint":          "chain.http_endpoint",
	"ws-endpoint":            "chain.ws_endpoint",
	"start-block":            "chain.start_block",
	"gas-limit":              "chain.gas_limit",
	"jobs-contract":          "contracts.jobs",
	"executors-contract":     "contracts.executors",
	"code-contract":          "contracts.code",
	"key-file":               "key.file",
	"owner":                  "key.owner",
	"num-selected-executors": "executor.num_selected_executors",
	"execution-buffer":       "executor.execution_buffer_time",
	"capacity":               "executor.capacity",
	"sandbox-endpoint":       "executor.sandbox_endpoint",
	"reconnect-strategy":     "reconnect.strategy",
	"log-level":              "log.level",
	"log-json":               "log.json",
	"db-backend":             "db.backend",
	"ops-addr":               "ops.listen_addr",
}

// NewRootCmd builds the executord command tree. The returned viper holds the flag and
// EXECUTORD_* environment overrides.
func NewRootCmd() (*cobra.Command, *viper.Viper) {
	v := config.NewViper()

	rootCmd := &cobra.Command{
		Use:           "executord",
		Short:         "Executor node for on-chain compute jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd, v)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String(flagHome, config.DefaultHome(), "directory for config, key, database and logs")
	flags.Uint64("chain-id", 0, "chain id used to sign transactions")
	flags.String("http-endpoint", "", "JSON-RPC endpoint used for transactions")
	flags.String("ws-endpoint", "", "websocket endpoint used for event subscriptions")
	flags.Uint64("start-block", 0, "first block to subscribe from")
	flags.Uint64("gas-limit", 0, "gas limit for submitted transactions, 0 estimates")
	flags.String("jobs-contract", "", "Jobs contract address")
	flags.String("executors-contract", "", "Executors contract address")
	flags.String("code-contract", "", "Code contract address passed to the sandbox")
	flags.String("key-file", "", "executor private key file, relative to home")
	flags.String("owner", "", "owner address of the executor registration")
	flags.Uint("num-selected-executors", 0, "executors selected per job")
	flags.Uint64("execution-buffer", 0, "seconds past the deadline before a job is slashed")
	flags.Int("capacity", 0, "jobs executed concurrently")
	flags.String("sandbox-endpoint", "", "code execution sandbox URL")
	flags.String("reconnect-strategy", "", "reconnect backoff: none or exponential")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.Bool("log-json", false, "log as JSON")
	flags.String("db-backend", "", "cursor database backend")
	flags.String("ops-addr", "", "health and metrics listen address, empty disables")

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(addressCmd(v))

	return rootCmd, v
}

func loadConfig(cmd *cobra.Command, v *viper.Viper) (config.Config, error) {
	homeDir, err := cmd.Flags().GetString(flagHome)
	if err != nil {
		return config.Config{}, err
	}

	cfg, err := config.Load(homeDir, v)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}

	log.Configure(cfg.Log.Level, cfg.Log.JSON)
	if cfg.Log.ToFile {
		log.ResetLogger(homeDir)
	}

	return cfg, nil
}

func runDaemon(cmd *cobra.Command, v *viper.Viper) error {
	cfg, err := loadConfig(cmd, v)
	if err != nil {
		return err
	}
	config.Print()

	ctx := cmd.Context()

	d, err := daemon.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		log.Infof("received %s, shutting down", sig)
	case <-d.Done():
		log.Infof("events listener exited, shutting down")
	}

	d.Stop()

	return nil
}

func addressCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "Print the executor address derived from the configured key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}

			key, err := cfg.LoadKey()
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), crypto.PubkeyToAddress(key.PublicKey).Hex())
			return err
		},
	}
}
