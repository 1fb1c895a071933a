package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Neo4j     Neo4jConfig
	Milvus    MilvusConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Knowledge KnowledgeConfig
	Retrieval RetrievalConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	TTLSec   int
}

type LLMConfig struct {
	Model          string
	APIKey         string
	Temperature    float32
	MaxTokens      int
	EmbeddingModel string
	EmbeddingDim   int
}

// KnowledgeConfig holds extraction and lifecycle policy knobs. The numeric
// thresholds are tunable policy, not fixed law.
type KnowledgeConfig struct {
	MinConfidence           map[string]float64
	AlwaysValidate          []string
	KeywordOverlapRatio     float64
	FuzzyMatchRatio         float64
	MaxKeywords             int
	CorrectedConfidence     float64
	ContradictionCandidates int
}

type RetrievalConfig struct {
	VectorWeight     float64
	EntityWeight     float64
	ExpansionWeight  float64
	ConfidenceWeight float64
	ImportanceWeight float64
	KMultiplier      int
	MaxDepth         int
	Decay            float64
	DefaultLimit     int
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
	viper.AddConfigPath("/etc/dh-agent")

	viper.SetEnvPrefix("DH_AGENT")
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

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 10485760)

	viper.SetDefault("neo4j.uri", "bolt://localhost:7687")
	viper.SetDefault("neo4j.username", "neo4j")
	viper.SetDefault("neo4j.password", "password")
	viper.SetDefault("neo4j.database", "neo4j")

	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.collectionName", "knowledge_vectors")
	viper.SetDefault("milvus.vectorDim", 1536)

	viper.SetDefault("sqlite.path", "./data/dhagent.db")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.ttlSec", 3600)

	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.temperature", 0.3)
	viper.SetDefault("llm.maxTokens", 2048)
	viper.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	viper.SetDefault("llm.embeddingDim", 1536)

	viper.SetDefault("knowledge.minConfidence", map[string]float64{
		"fact":       0.7,
		"experience": 0.5,
		"preference": 0.5,
		"skill":      0.6,
		"rule":       0.8,
		"concept":    0.6,
	})
	viper.SetDefault("knowledge.alwaysValidate", []string{"rule", "experience", "preference"})
	viper.SetDefault("knowledge.keywordOverlapRatio", 0.3)
	viper.SetDefault("knowledge.fuzzyMatchRatio", 0.9)
	viper.SetDefault("knowledge.maxKeywords", 10)
	viper.SetDefault("knowledge.correctedConfidence", 1.0)
	viper.SetDefault("knowledge.contradictionCandidates", 5)

	viper.SetDefault("retrieval.vectorWeight", 0.4)
	viper.SetDefault("retrieval.entityWeight", 0.2)
	viper.SetDefault("retrieval.expansionWeight", 0.2)
	viper.SetDefault("retrieval.confidenceWeight", 0.1)
	viper.SetDefault("retrieval.importanceWeight", 0.1)
	viper.SetDefault("retrieval.kMultiplier", 3)
	viper.SetDefault("retrieval.maxDepth", 2)
	viper.SetDefault("retrieval.decay", 0.5)
	viper.SetDefault("retrieval.defaultLimit", 10)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
