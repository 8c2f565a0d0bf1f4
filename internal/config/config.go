package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. OPTIONSYNC_RPC.
const EnvPrefix = "OPTIONSYNC"

// Chain holds the settings every command that talks to the contract needs.
type Chain struct {
	RPCURL        string
	RPCRate       float64
	Contract      string
	QuoteToken    string
	TokenDecimals map[string]uint8
}

// IngestConfig configures the ingest pipeline.
type IngestConfig struct {
	Chain
	Store    string
	LogLevel string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DedupeTTL     time.Duration
	DedupeSize    int

	FromBlock       uint64
	BatchSize       uint64
	Checkpoint      string
	CheckpointName  string
	PollInterval    time.Duration
	Workers         int
	QueueSize       int
	MaxRetries      int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
	SweepInterval   time.Duration
	Issues          string
}

// ServeConfig configures the HTTP gateway. Ingest is populated too because
// serve can run the pipeline in-process.
type ServeConfig struct {
	IngestConfig
	Listen     string
	WithIngest bool
}

// CoordinatorConfig configures the option subcommands.
type CoordinatorConfig struct {
	Chain
	Store          string
	LogLevel       string
	PrivateKey     string
	ConfirmTimeout time.Duration
	Optimistic     bool
	StoreRetries   int
}

// LoadIngest merges config file, environment variables, and flags into IngestConfig.
func LoadIngest(cfgFile string, flags *pflag.FlagSet) (IngestConfig, error) {
	v, err := load(cfgFile, flags, ingestDefaults)
	if err != nil {
		return IngestConfig{}, err
	}
	return ingestFrom(v)
}

// LoadServe merges config file, environment variables, and flags into ServeConfig.
func LoadServe(cfgFile string, flags *pflag.FlagSet) (ServeConfig, error) {
	v, err := load(cfgFile, flags, func(v *viper.Viper) {
		ingestDefaults(v)
		v.SetDefault("listen", ":8080")
		v.SetDefault("with-ingest", false)
	})
	if err != nil {
		return ServeConfig{}, err
	}
	ingest, err := ingestFrom(v)
	if err != nil {
		return ServeConfig{}, err
	}
	return ServeConfig{
		IngestConfig: ingest,
		Listen:       v.GetString("listen"),
		WithIngest:   v.GetBool("with-ingest"),
	}, nil
}

// LoadCoordinator merges config file, environment variables, and flags into CoordinatorConfig.
func LoadCoordinator(cfgFile string, flags *pflag.FlagSet) (CoordinatorConfig, error) {
	v, err := load(cfgFile, flags, func(v *viper.Viper) {
		v.SetDefault("log-level", "info")
		v.SetDefault("confirm-timeout", 2*time.Minute)
		v.SetDefault("optimistic", true)
		v.SetDefault("store-retries", 5)
	})
	if err != nil {
		return CoordinatorConfig{}, err
	}
	chain, err := chainFrom(v)
	if err != nil {
		return CoordinatorConfig{}, err
	}
	return CoordinatorConfig{
		Chain:          chain,
		Store:          v.GetString("store"),
		LogLevel:       v.GetString("log-level"),
		PrivateKey:     v.GetString("private-key"),
		ConfirmTimeout: v.GetDuration("confirm-timeout"),
		Optimistic:     v.GetBool("optimistic"),
		StoreRetries:   v.GetInt("store-retries"),
	}, nil
}

// LoadStore returns the mirror DSN and log level for commands that only touch
// the store.
func LoadStore(cfgFile string, flags *pflag.FlagSet) (store, logLevel string, err error) {
	v, err := load(cfgFile, flags, func(v *viper.Viper) {
		v.SetDefault("log-level", "info")
	})
	if err != nil {
		return "", "", err
	}
	return v.GetString("store"), v.GetString("log-level"), nil
}

func ingestDefaults(v *viper.Viper) {
	v.SetDefault("batch-size", uint64(2000))
	v.SetDefault("checkpoint", "./data/checkpoint.json")
	v.SetDefault("checkpoint-name", "optionsync")
	v.SetDefault("poll-interval", 5*time.Second)
	v.SetDefault("workers", 4)
	v.SetDefault("queue-size", 64)
	v.SetDefault("max-retries", 0)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("retry-max-backoff", 30*time.Second)
	v.SetDefault("sweep-interval", time.Minute)
	v.SetDefault("issues", "./data/issues.jsonl")
	v.SetDefault("dedupe-ttl", 7*24*time.Hour)
	v.SetDefault("dedupe-size", 100000)
	v.SetDefault("log-level", "info")
}

func ingestFrom(v *viper.Viper) (IngestConfig, error) {
	chain, err := chainFrom(v)
	if err != nil {
		return IngestConfig{}, err
	}
	return IngestConfig{
		Chain:           chain,
		Store:           v.GetString("store"),
		LogLevel:        v.GetString("log-level"),
		RedisAddr:       v.GetString("redis-addr"),
		RedisPassword:   v.GetString("redis-password"),
		RedisDB:         v.GetInt("redis-db"),
		DedupeTTL:       v.GetDuration("dedupe-ttl"),
		DedupeSize:      v.GetInt("dedupe-size"),
		FromBlock:       v.GetUint64("from"),
		BatchSize:       v.GetUint64("batch-size"),
		Checkpoint:      v.GetString("checkpoint"),
		CheckpointName:  v.GetString("checkpoint-name"),
		PollInterval:    v.GetDuration("poll-interval"),
		Workers:         v.GetInt("workers"),
		QueueSize:       v.GetInt("queue-size"),
		MaxRetries:      v.GetInt("max-retries"),
		RetryBackoff:    v.GetDuration("retry-backoff"),
		RetryMaxBackoff: v.GetDuration("retry-max-backoff"),
		SweepInterval:   v.GetDuration("sweep-interval"),
		Issues:          v.GetString("issues"),
	}, nil
}

func chainFrom(v *viper.Viper) (Chain, error) {
	decimals, err := parseDecimals(getStringMap(v, "token-decimals"))
	if err != nil {
		return Chain{}, err
	}
	return Chain{
		RPCURL:        v.GetString("rpc"),
		RPCRate:       v.GetFloat64("rpc-rps"),
		Contract:      v.GetString("contract"),
		QuoteToken:    v.GetString("quote-token"),
		TokenDecimals: decimals,
	}, nil
}

func load(cfgFile string, flags *pflag.FlagSet, defaults func(*viper.Viper)) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	defaults(v)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	return v, nil
}

func parseDecimals(raw map[string]string) (map[string]uint8, error) {
	out := make(map[string]uint8, len(raw))
	for token, value := range raw {
		d, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("token-decimals %s: %w", token, err)
		}
		out[token] = uint8(d)
	}
	return out, nil
}

func getStringMap(v *viper.Viper, key string) map[string]string {
	if !v.IsSet(key) {
		return map[string]string{}
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case map[string]string:
		return typed
	case map[string]interface{}:
		out := make(map[string]string, len(typed))
		for k, v := range typed {
			out[k] = fmt.Sprintf("%v", v)
		}
		return out
	case []string:
		return parseStringMap(strings.Join(typed, ","))
	case string:
		return parseStringMap(typed)
	default:
		return map[string]string{}
	}
}

func parseStringMap(input string) map[string]string {
	out := make(map[string]string)
	if strings.TrimSpace(input) == "" {
		return out
	}
	pairs := strings.Split(input, ",")
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}
