package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	DatabaseURL        string
	RabbitMQURL        string
	RedisSentinelHosts string
	RedisMasterName    string
	RedisUrl           string
	LogLevel           string
	ServiceName        string
	TelemetryEnabled   bool
	WorkDir            string
	SeedDir            string
	MetricsAddr        string
	Fuzz               FuzzConfig
}

// FuzzConfig is the campaign policy. Scalars come from FUZZ_* variables;
// the YAML file named by VMFUZZ_CONFIG can override them and adds the
// targets and invariants.
type FuzzConfig struct {
	CampaignID            string        `yaml:"campaign_id"`
	Workers               int           `yaml:"workers"`
	Seed                  int64         `yaml:"seed"`
	MergeInterval         int           `yaml:"merge_interval"`
	TimeBudget            time.Duration `yaml:"time_budget"`
	ExecTimeout           time.Duration `yaml:"exec_timeout"`
	CrashThreshold        int64         `yaml:"crash_threshold"`
	ContinueAfterSolution bool          `yaml:"continue_after_solution"`
	Minimize              bool          `yaml:"minimize"`
	MinimizeExecutions    int           `yaml:"minimize_executions"`

	TxCapacity           int     `yaml:"tx_capacity"`
	InfantCapacity       int     `yaml:"infant_capacity"`
	SharedTxCapacity     int     `yaml:"shared_tx_capacity"`
	SharedInfantCapacity int     `yaml:"shared_infant_capacity"`
	PruneFraction        float64 `yaml:"prune_fraction"`
	FloorWeight          float64 `yaml:"floor_weight"`
	PrunePolicy          string  `yaml:"prune_policy"`
	RecencyWeight        float64 `yaml:"recency_weight"`
	VoteCeiling          float64 `yaml:"vote_ceiling"`
	VotePerEdge          float64 `yaml:"vote_per_edge"`
	CmpThreshold         uint64  `yaml:"cmp_threshold"`
	CmpPolicy            string  `yaml:"cmp_policy"`
	DrainFraction        float64 `yaml:"drain_fraction"`

	Targets    []string        `yaml:"targets"`
	Callers    []string        `yaml:"callers"`
	Oracles    []string        `yaml:"oracles"`
	Invariants []InvariantSpec `yaml:"invariants"`
	Dicts      []string        `yaml:"dicts"`
}

// InvariantSpec is a read-only call that must return a non-zero word.
type InvariantSpec struct {
	Name    string `yaml:"name"`
	Caller  string `yaml:"caller"`
	Target  string `yaml:"target"`
	Payload string `yaml:"payload"`
}

func LoadConfig() *AppConfig {
	// use a temporary logger for now
	logger := zap.NewExample().Named("config")

	godotenv.Load()

	config := &AppConfig{
		DatabaseURL:        os.Getenv("DATABASE_URL"), // optional, enables the postgres journal
		RabbitMQURL:        os.Getenv("RABBITMQ_URL"),
		RedisSentinelHosts: os.Getenv("REDIS_SENTINEL_HOSTS"),
		RedisMasterName:    os.Getenv("REDIS_MASTER"),
		RedisUrl:           os.Getenv("OVERRIDE_REDIS_URL"), // optional, for local dev
		LogLevel:           os.Getenv("LOG_LEVEL"),
		ServiceName:        os.Getenv("SERVICE_NAME"),
		TelemetryEnabled:   parseBool(os.Getenv("TELEMETRY_ENABLED"), false),
		WorkDir:            os.Getenv("VMFUZZ_WORKDIR"),
		SeedDir:            os.Getenv("VMFUZZ_SEED_DIR"),
		MetricsAddr:        os.Getenv("METRICS_ADDR"),
		Fuzz:               fuzzConfigFromEnv(),
	}

	if config.LogLevel == "" {
		config.LogLevel = "info" // Set default log level
	}
	if config.ServiceName == "" {
		config.ServiceName = "vmfuzz" // Default service name
	}
	if config.WorkDir == "" {
		config.WorkDir = "/var/lib/vmfuzz"
	}
	if config.MetricsAddr == "" {
		config.MetricsAddr = ":9464"
	}

	if path := os.Getenv("VMFUZZ_CONFIG"); path != "" {
		if err := config.Fuzz.Overlay(path); err != nil {
			logger.Fatal("failed to load fuzz policy", zap.String("path", path), zap.Error(err))
		}
	}

	if config.RabbitMQURL == "" {
		logger.Fatal("RABBITMQ_URL environment variable is required")
	}
	if config.RedisSentinelHosts != "" && config.RedisMasterName == "" {
		logger.Fatal("REDIS_MASTER environment variable is required with REDIS_SENTINEL_HOSTS")
	}
	if len(config.Fuzz.Targets) == 0 {
		logger.Fatal("no target contracts configured, set FUZZ_TARGETS or targets in VMFUZZ_CONFIG")
	}

	return config
}

// RedisEnabled reports whether a Redis endpoint is configured.
func (c *AppConfig) RedisEnabled() bool {
	return c.RedisUrl != "" || c.RedisSentinelHosts != ""
}

func fuzzConfigFromEnv() FuzzConfig {
	return FuzzConfig{
		CampaignID:            os.Getenv("FUZZ_CAMPAIGN_ID"),
		Workers:               parseInt(os.Getenv("FUZZ_WORKERS"), 4),
		Seed:                  int64(parseInt(os.Getenv("FUZZ_SEED"), 0)),
		MergeInterval:         parseInt(os.Getenv("FUZZ_MERGE_INTERVAL"), 256),
		TimeBudget:            parseDuration(os.Getenv("FUZZ_TIME_BUDGET"), 0),
		ExecTimeout:           parseDuration(os.Getenv("FUZZ_EXEC_TIMEOUT"), 5*time.Second),
		CrashThreshold:        int64(parseInt(os.Getenv("FUZZ_CRASH_THRESHOLD"), 0)),
		ContinueAfterSolution: parseBool(os.Getenv("FUZZ_CONTINUE_AFTER_SOLUTION"), false),
		Minimize:              parseBool(os.Getenv("FUZZ_MINIMIZE"), true),
		MinimizeExecutions:    parseInt(os.Getenv("FUZZ_MINIMIZE_EXECUTIONS"), 2000),
		TxCapacity:            parseInt(os.Getenv("FUZZ_TX_CAPACITY"), 4096),
		InfantCapacity:        parseInt(os.Getenv("FUZZ_INFANT_CAPACITY"), 1024),
		SharedTxCapacity:      parseInt(os.Getenv("FUZZ_SHARED_TX_CAPACITY"), 16384),
		SharedInfantCapacity:  parseInt(os.Getenv("FUZZ_SHARED_INFANT_CAPACITY"), 4096),
		PruneFraction:         parseFloat(os.Getenv("FUZZ_PRUNE_FRACTION"), 0.2),
		FloorWeight:           parseFloat(os.Getenv("FUZZ_FLOOR_WEIGHT"), 0.1),
		PrunePolicy:           parseString(os.Getenv("FUZZ_PRUNE_POLICY"), "vote_recency"),
		RecencyWeight:         parseFloat(os.Getenv("FUZZ_RECENCY_WEIGHT"), 0.5),
		VoteCeiling:           parseFloat(os.Getenv("FUZZ_VOTE_CEILING"), 1000),
		VotePerEdge:           parseFloat(os.Getenv("FUZZ_VOTE_PER_EDGE"), 1),
		CmpThreshold:          uint64(parseInt(os.Getenv("FUZZ_CMP_THRESHOLD"), 1)),
		CmpPolicy:             parseString(os.Getenv("FUZZ_CMP_POLICY"), "any_site"),
		DrainFraction:         parseFloat(os.Getenv("FUZZ_DRAIN_FRACTION"), 0.5),
		Targets:               parseList(os.Getenv("FUZZ_TARGETS")),
		Callers:               parseList(os.Getenv("FUZZ_CALLERS")),
		Oracles:               parseList(parseString(os.Getenv("FUZZ_ORACLES"), "reentrancy,balance_drain,selfdestruct,typed_bug,invariant")),
	}
}

// Overlay reads a YAML policy file; every key present replaces the
// corresponding field.
func (f *FuzzConfig) Overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, f); err != nil {
		return fmt.Errorf("malformed fuzz policy: %w", err)
	}
	return nil
}

func parseDuration(val string, defaultVal time.Duration) time.Duration {
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}

func parseInt(val string, defaultVal int) int {
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}

func parseFloat(val string, defaultVal float64) float64 {
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func parseBool(val string, defaultVal bool) bool {
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

func parseString(val string, defaultVal string) string {
	if val == "" {
		return defaultVal
	}
	return val
}

func parseList(val string) []string {
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
