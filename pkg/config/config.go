package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Tiers     map[string]TierPolicy
	RateLimit RateLimitConfig
	Breaker   BreakerConfig
	Cache     CacheConfig
	Decay     DecayConfig
	Embedding EmbeddingConfig
	Index     IndexConfig
	Search    SearchConfig
	Corpus    CorpusConfig
	Redis     RedisConfig
	Keys      KeysConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

// TierPolicy is the per-tier quota and mode-permission table. Which modes a
// tier may invoke is data, not code; new tiers are added here.
type TierPolicy struct {
	Quota     int
	WindowSec int
	Modes     []string
}

type RateLimitConfig struct {
	CleanupIntervalSec int
}

type BreakerConfig struct {
	FailureThreshold uint32
	CooldownSec      int
	MaxCooldownSec   int
	BackoffFactor    float64
}

type CacheConfig struct {
	TTLSec     int
	MaxEntries int
	UseRedis   bool
}

type DecayConfig struct {
	Path        string
	HalfLifeSec int
}

type EmbeddingConfig struct {
	APIKey     string
	Model      string
	Dim        int
	TimeoutSec int
}

type IndexConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	TimeoutSec     int
}

type SearchConfig struct {
	RelevanceFloor float64
	RRFConstant    int
	CandidateCap   int
	ExpandQueries  bool
}

type CorpusConfig struct {
	Path string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type KeysConfig struct {
	Path              string
	ReloadIntervalSec int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/knowledge-gateway")

	viper.SetEnvPrefix("KGW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateTiers(config.Tiers); err != nil {
		return nil, err
	}

	return &config, nil
}

// validateTiers enforces quota monotonicity: a higher tier never has a
// smaller quota than the tier below it.
func validateTiers(tiers map[string]TierPolicy) error {
	order := []string{"anonymous", "free", "dev", "pro", "team"}
	prev := -1
	for _, name := range order {
		policy, ok := tiers[name]
		if !ok {
			return fmt.Errorf("tier %q missing from configuration", name)
		}
		if policy.Quota < prev {
			return fmt.Errorf("tier %q quota %d below lower tier's %d", name, policy.Quota, prev)
		}
		prev = policy.Quota
	}
	return nil
}

func (t TierPolicy) Window() time.Duration {
	return time.Duration(t.WindowSec) * time.Second
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8419)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 1048576)

	viper.SetDefault("tiers.anonymous.quota", 30)
	viper.SetDefault("tiers.anonymous.windowSec", 60)
	viper.SetDefault("tiers.anonymous.modes", []string{"keyword", "auto"})
	viper.SetDefault("tiers.free.quota", 60)
	viper.SetDefault("tiers.free.windowSec", 60)
	viper.SetDefault("tiers.free.modes", []string{"keyword", "auto"})
	viper.SetDefault("tiers.dev.quota", 300)
	viper.SetDefault("tiers.dev.windowSec", 60)
	viper.SetDefault("tiers.dev.modes", []string{"keyword", "auto", "semantic"})
	viper.SetDefault("tiers.pro.quota", 1000)
	viper.SetDefault("tiers.pro.windowSec", 60)
	viper.SetDefault("tiers.pro.modes", []string{"keyword", "auto", "semantic", "hybrid"})
	viper.SetDefault("tiers.team.quota", 5000)
	viper.SetDefault("tiers.team.windowSec", 60)
	viper.SetDefault("tiers.team.modes", []string{"keyword", "auto", "semantic", "hybrid"})

	viper.SetDefault("rateLimit.cleanupIntervalSec", 300)

	viper.SetDefault("breaker.failureThreshold", 3)
	viper.SetDefault("breaker.cooldownSec", 30)
	viper.SetDefault("breaker.maxCooldownSec", 300)
	viper.SetDefault("breaker.backoffFactor", 2.0)

	viper.SetDefault("cache.ttlSec", 300)
	viper.SetDefault("cache.maxEntries", 2048)
	viper.SetDefault("cache.useRedis", false)

	viper.SetDefault("decay.path", "./data/decay.db")
	viper.SetDefault("decay.halfLifeSec", 604800)

	viper.SetDefault("embedding.model", "text-embedding-3-small")
	viper.SetDefault("embedding.dim", 1536)
	viper.SetDefault("embedding.timeoutSec", 10)

	viper.SetDefault("index.endpoint", "localhost:19530")
	viper.SetDefault("index.collectionName", "knowledge_chunks")
	viper.SetDefault("index.timeoutSec", 10)

	viper.SetDefault("search.relevanceFloor", 0.25)
	viper.SetDefault("search.rrfConstant", 60)
	viper.SetDefault("search.candidateCap", 30)
	viper.SetDefault("search.expandQueries", true)

	viper.SetDefault("corpus.path", "./data/corpus.db")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("keys.path", "./config/api_keys.json")
	viper.SetDefault("keys.reloadIntervalSec", 60)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
