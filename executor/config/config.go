package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/GPTx-global/executor/executor/log"
	"github.com/GPTx-global/executor/executor/retry"
	"github.com/GPTx-global/executor/executor/types"
)

// EnvPrefix prefixes environment overrides, e.g. EXECUTORD_CHAIN_WS_ENDPOINT.
const EnvPrefix = "EXECUTORD"

var (
	globalConfig Config
	home         string
	mu           sync.RWMutex
)

type Config struct {
	Chain     ChainConfig     `toml:"chain"`
	Contracts ContractsConfig `toml:"contracts"`
	Key       KeyConfig       `toml:"key"`
	Executor  ExecutorConfig  `toml:"executor"`
	Reconnect ReconnectConfig `toml:"reconnect"`
	Log       LogConfig       `toml:"log"`
	DB        DBConfig        `toml:"db"`
	Ops       OpsConfig       `toml:"ops"`
}

type ChainConfig struct {
	ID             uint64 `toml:"id"`
	HTTPEndpoint   string `toml:"http_endpoint"`
	WSEndpoint     string `toml:"ws_endpoint"`
	StartBlock     uint64 `toml:"start_block"`
	GasLimit       uint64 `toml:"gas_limit"`       // 0 estimates
	ConfirmTimeout uint64 `toml:"confirm_timeout"` // seconds
}

type ContractsConfig struct {
	Jobs      string `toml:"jobs"`
	Executors string `toml:"executors"`
	Code      string `toml:"code"`
}

type KeyConfig struct {
	File           string `toml:"file"`
	Mnemonic       string `toml:"mnemonic"`
	DerivationPath string `toml:"derivation_path"`
	Owner          string `toml:"owner"`
}

type ExecutorConfig struct {
	NumSelectedExecutors uint8  `toml:"num_selected_executors"`
	ExecutionBufferTime  uint64 `toml:"execution_buffer_time"` // seconds
	OutcomeChannelSize   int    `toml:"outcome_channel_size"`
	Capacity             int    `toml:"capacity"`
	SandboxEndpoint      string `toml:"sandbox_endpoint"`
	SandboxTimeout       uint64 `toml:"sandbox_timeout"` // seconds
}

type ReconnectConfig struct {
	Strategy    string  `toml:"strategy"`
	BaseDelayMs uint64  `toml:"base_delay_ms"`
	MaxDelayMs  uint64  `toml:"max_delay_ms"`
	Multiplier  float64 `toml:"multiplier"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	JSON   bool   `toml:"json"`
	ToFile bool   `toml:"to_file"`
}

type DBConfig struct {
	Backend string `toml:"backend"`
	Dir     string `toml:"dir"`
}

type OpsConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// Default returns the configuration written on first start.
func Default() Config {
	return Config{
		Chain: ChainConfig{
			ID:             421614,
			HTTPEndpoint:   "http://localhost:8545",
			WSEndpoint:     "ws://localhost:8546",
			ConfirmTimeout: 120,
		},
		Contracts: ContractsConfig{
			Jobs:      common.Address{}.Hex(),
			Executors: common.Address{}.Hex(),
			Code:      common.Address{}.Hex(),
		},
		Key: KeyConfig{
			File:           "secp.sec",
			DerivationPath: DefaultDerivationPath,
		},
		Executor: ExecutorConfig{
			NumSelectedExecutors: 3,
			ExecutionBufferTime:  60,
			OutcomeChannelSize:   100,
			Capacity:             4,
			SandboxEndpoint:      "http://127.0.0.1:8080/execute",
			SandboxTimeout:       30,
		},
		Reconnect: ReconnectConfig{
			Strategy:    retry.StrategyNone,
			BaseDelayMs: 1000,
			MaxDelayMs:  30000,
			Multiplier:  2,
		},
		Log: LogConfig{
			Level: "info",
		},
		DB: DBConfig{
			Backend: "goleveldb",
			Dir:     "data",
		},
		Ops: OpsConfig{
			ListenAddr: "127.0.0.1:9464",
		},
	}
}

// Load reads <home>/config.toml, writing the default file first if there is none, then
// applies the flag and environment overrides held by v. v may be nil.
func Load(homeDir string, v *viper.Viper) (Config, error) {
	if homeDir == "" {
		homeDir = DefaultHome()
	}
	path := filepath.Join(homeDir, "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefaultConfig(path); err != nil {
			return Config{}, fmt.Errorf("failed to create default config: %w", err)
		}
		log.Infof("Wrote default config to %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errorsmod.Wrapf(types.ErrInvalidConfig, "parse %s: %v", path, err)
	}

	if v != nil {
		applyOverrides(&cfg, v)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	mu.Lock()
	globalConfig = cfg
	home = homeDir
	mu.Unlock()

	log.Infof("Loaded config from %s", path)

	return cfg, nil
}

// NewViper returns a viper instance reading EXECUTORD_* environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

var overrides = map[string]func(cfg *Config, v *viper.Viper, key string){
	"chain.id":                        func(c *Config, v *viper.Viper, k string) { c.Chain.ID = v.GetUint64(k) },
	"chain.http_endpoint":             func(c *Config, v *viper.Viper, k string) { c.Chain.HTTPEndpoint = v.GetString(k) },
	"chain.ws_endpoint":               func(c *Config, v *viper.Viper, k string) { c.Chain.WSEndpoint = v.GetString(k) },
	"chain.start_block":               func(c *Config, v *viper.Viper, k string) { c.Chain.StartBlock = v.GetUint64(k) },
	"chain.gas_limit":                 func(c *Config, v *viper.Viper, k string) { c.Chain.GasLimit = v.GetUint64(k) },
	"contracts.jobs":                  func(c *Config, v *viper.Viper, k string) { c.Contracts.Jobs = v.GetString(k) },
	"contracts.executors":             func(c *Config, v *viper.Viper, k string) { c.Contracts.Executors = v.GetString(k) },
	"contracts.code":                  func(c *Config, v *viper.Viper, k string) { c.Contracts.Code = v.GetString(k) },
	"key.file":                        func(c *Config, v *viper.Viper, k string) { c.Key.File = v.GetString(k) },
	"key.mnemonic":                    func(c *Config, v *viper.Viper, k string) { c.Key.Mnemonic = v.GetString(k) },
	"key.owner":                       func(c *Config, v *viper.Viper, k string) { c.Key.Owner = v.GetString(k) },
	"executor.num_selected_executors": func(c *Config, v *viper.Viper, k string) { c.Executor.NumSelectedExecutors = uint8(v.GetUint(k)) },
	"executor.execution_buffer_time":  func(c *Config, v *viper.Viper, k string) { c.Executor.ExecutionBufferTime = v.GetUint64(k) },
	"executor.capacity":               func(c *Config, v *viper.Viper, k string) { c.Executor.Capacity = v.GetInt(k) },
	"executor.sandbox_endpoint":       func(c *Config, v *viper.Viper, k string) { c.Executor.SandboxEndpoint = v.GetString(k) },
	"reconnect.strategy":              func(c *Config, v *viper.Viper, k string) { c.Reconnect.Strategy = v.GetString(k) },
	"log.level":                       func(c *Config, v *viper.Viper, k string) { c.Log.Level = v.GetString(k) },
	"log.json":                        func(c *Config, v *viper.Viper, k string) { c.Log.JSON = v.GetBool(k) },
	"db.backend":                      func(c *Config, v *viper.Viper, k string) { c.DB.Backend = v.GetString(k) },
	"ops.listen_addr":                 func(c *Config, v *viper.Viper, k string) { c.Ops.ListenAddr = v.GetString(k) },
}

// OverrideKeys lists the keys that flags and environment variables may set.
func OverrideKeys() []string {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	return keys
}

func applyOverrides(cfg *Config, v *viper.Viper) {
	for key, set := range overrides {
		if v.IsSet(key) {
			set(cfg, v, key)
		}
	}
}

func DefaultHome() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("Failed to get user home directory: %v", err)
	}

	return filepath.Join(dir, ".executord")
}

func createDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := toml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to marshal TOML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func invalid(format string, args ...interface{}) error {
	return errorsmod.Wrapf(types.ErrInvalidConfig, format, args...)
}

func (c Config) validate() error {
	if c.Chain.ID == 0 {
		return invalid("chain id is required")
	}

	if c.Chain.WSEndpoint == "" {
		return invalid("chain websocket endpoint is required")
	}

	if c.Chain.HTTPEndpoint == "" {
		return invalid("chain http endpoint is required")
	}

	for name, addr := range map[string]string{
		"jobs":      c.Contracts.Jobs,
		"executors": c.Contracts.Executors,
		"code":      c.Contracts.Code,
	} {
		if !common.IsHexAddress(addr) {
			return invalid("%s contract address %q is not a hex address", name, addr)
		}
	}

	if c.Key.File == "" && c.Key.Mnemonic == "" {
		return invalid("either key file or key mnemonic is required")
	}

	if c.Key.Owner != "" && !common.IsHexAddress(c.Key.Owner) {
		return invalid("owner address %q is not a hex address", c.Key.Owner)
	}

	if c.Executor.NumSelectedExecutors == 0 {
		return invalid("num_selected_executors must be positive")
	}

	if c.Executor.OutcomeChannelSize <= 0 {
		return invalid("outcome_channel_size must be positive")
	}

	if c.Executor.SandboxEndpoint == "" {
		return invalid("sandbox endpoint is required")
	}

	if _, err := retry.FromConfig(c.RetryConfig()); err != nil {
		return err
	}

	if c.DB.Backend == "" {
		return invalid("db backend is required")
	}

	return nil
}

// RetryConfig converts the [reconnect] section.
func (c Config) RetryConfig() retry.RetryConfig {
	return retry.RetryConfig{
		Strategy:   c.Reconnect.Strategy,
		BaseDelay:  time.Duration(c.Reconnect.BaseDelayMs) * time.Millisecond,
		MaxDelay:   time.Duration(c.Reconnect.MaxDelayMs) * time.Millisecond,
		Multiplier: c.Reconnect.Multiplier,
	}
}

func (c Config) JobsContract() common.Address {
	return common.HexToAddress(c.Contracts.Jobs)
}

func (c Config) ExecutorsContract() common.Address {
	return common.HexToAddress(c.Contracts.Executors)
}

func (c Config) CodeContract() common.Address {
	return common.HexToAddress(c.Contracts.Code)
}

// Owner is the configured operator address, zero when unset.
func (c Config) Owner() common.Address {
	if c.Key.Owner == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.Key.Owner)
}

func (c Config) ExecutionBuffer() time.Duration {
	return time.Duration(c.Executor.ExecutionBufferTime) * time.Second
}

func (c Config) SandboxTimeout() time.Duration {
	return time.Duration(c.Executor.SandboxTimeout) * time.Second
}

func (c Config) ConfirmTimeout() time.Duration {
	return time.Duration(c.Chain.ConfirmTimeout) * time.Second
}

// Resolve makes path absolute relative to the home directory.
func Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(Home(), path)
}

func Print() {
	cfg := Get()
	log.Infof("%-22s: %s", "Home", Home())
	log.Infof("%-22s: %d", "Chain ID", cfg.Chain.ID)
	log.Infof("%-22s: %s", "HTTP Endpoint", cfg.Chain.HTTPEndpoint)
	log.Infof("%-22s: %s", "WS Endpoint", cfg.Chain.WSEndpoint)
	log.Infof("%-22s: %d", "Start Block", cfg.Chain.StartBlock)
	log.Infof("%-22s: %s", "Jobs Contract", cfg.JobsContract().Hex())
	log.Infof("%-22s: %s", "Executors Contract", cfg.ExecutorsContract().Hex())
	log.Infof("%-22s: %s", "Code Contract", cfg.CodeContract().Hex())
	log.Infof("%-22s: %s", "Owner", cfg.Owner().Hex())
	log.Infof("%-22s: %d", "Selected Executors", cfg.Executor.NumSelectedExecutors)
	log.Infof("%-22s: %s", "Execution Buffer", cfg.ExecutionBuffer())
	log.Infof("%-22s: %d", "Capacity", cfg.Executor.Capacity)
	log.Infof("%-22s: %s", "Sandbox Endpoint", cfg.Executor.SandboxEndpoint)
	log.Infof("%-22s: %s", "Reconnect Strategy", cfg.Reconnect.Strategy)
	log.Infof("%-22s: %s", "DB Backend", cfg.DB.Backend)
	log.Infof("%-22s: %s", "Ops Address", cfg.Ops.ListenAddr)
}

func Get() Config {
	mu.RLock()
	defer mu.RUnlock()

	return globalConfig
}

func Home() string {
	mu.RLock()
	defer mu.RUnlock()

	return home
}

func SetForTesting(homeDir string, cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	home = homeDir
	globalConfig = cfg
}
