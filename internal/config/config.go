// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Tika          TikaConfig          `mapstructure:"tika"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	LLM           LLMConfig           `mapstructure:"llm"`
	NLI           NLIConfig           `mapstructure:"nli"`
	Ingestion     IngestionConfig     `mapstructure:"ingestion"`
	Router        RouterConfig        `mapstructure:"router"`
	Chat          ChatConfig          `mapstructure:"chat"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

type MySQLConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
	RefreshTokenExpireDays int    `mapstructure:"refresh_token_expire_days"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。Brokers 为空时任务在进程内派发。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

type TikaConfig struct {
	ServerURL string        `mapstructure:"server_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ElasticsearchConfig 是租户向量凭证未指定地址时使用的默认集群。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
}

// LLMConfig 存储大语言模型相关的配置。平台级配置只用于数据源画像生成，
// 对话使用租户自己的 LLM 凭证。
type LLMConfig struct {
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Model      string              `mapstructure:"model"`
	Generation LLMGenerationConfig `mapstructure:"generation"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// NLIConfig 配置内容安全分类所用的 NLI 推理服务。
type NLIConfig struct {
	ServerURL string        `mapstructure:"server_url"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Threshold float64       `mapstructure:"threshold"`
	Workers   int           `mapstructure:"workers"`
}

// IngestionConfig 控制切块、爬虫和压缩包处理的各项上限。
type IngestionConfig struct {
	ChunkSize         int           `mapstructure:"chunk_size"`
	ChunkOverlap      int           `mapstructure:"chunk_overlap"`
	MaxPages          int           `mapstructure:"max_pages"`
	MinPageText       int           `mapstructure:"min_page_text"`
	PageDelay         time.Duration `mapstructure:"page_delay"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
	SafetyLabel       string        `mapstructure:"safety_label"`
	MaxArchiveEntries int           `mapstructure:"max_archive_entries"`
	ScratchDir        string        `mapstructure:"scratch_dir"`
	Workers           int           `mapstructure:"workers"`
	ExtractWorkers    int           `mapstructure:"extract_workers"`
}

type RouterConfig struct {
	Threshold float64 `mapstructure:"threshold"`
}

// ChatConfig 配置对话编排器。
type ChatConfig struct {
	TopK               int    `mapstructure:"top_k"`
	DefaultBotName     string `mapstructure:"default_bot_name"`
	DefaultInstruction string `mapstructure:"default_instruction"`
	HistoryTurns       int    `mapstructure:"history_turns"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.mysql.max_idle_conns", 10)
	v.SetDefault("database.mysql.max_open_conns", 100)
	v.SetDefault("database.mysql.conn_max_lifetime", time.Hour)
	v.SetDefault("database.redis.pool_size", 20)
	v.SetDefault("tika.timeout", 60*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("kafka.topic", "ingestion-tasks")
	v.SetDefault("kafka.group_id", "omni-agent-go-consumer")
	v.SetDefault("elasticsearch.index_name", "omni_knowledge")
	v.SetDefault("embedding.dimensions", 1024)
	v.SetDefault("nli.timeout", 30*time.Second)
	v.SetDefault("nli.threshold", 0.5)
	v.SetDefault("nli.workers", 2)
	v.SetDefault("ingestion.chunk_size", 1000)
	v.SetDefault("ingestion.chunk_overlap", 200)
	v.SetDefault("ingestion.max_pages", 50)
	v.SetDefault("ingestion.min_page_text", 200)
	v.SetDefault("ingestion.page_delay", 500*time.Millisecond)
	v.SetDefault("ingestion.fetch_timeout", 10*time.Second)
	v.SetDefault("ingestion.user_agent", "Mozilla/5.0 (compatible; omni-agent-crawler/1.0)")
	v.SetDefault("ingestion.safety_label", "This is an e-commerce product page with price, buy button, or shopping cart.")
	v.SetDefault("ingestion.max_archive_entries", 500)
	v.SetDefault("ingestion.scratch_dir", "./tmp/ingestion")
	v.SetDefault("ingestion.workers", 4)
	v.SetDefault("ingestion.extract_workers", 4)
	v.SetDefault("router.threshold", 0.05)
	v.SetDefault("chat.top_k", 3)
	v.SetDefault("chat.default_bot_name", "Support Agent")
	v.SetDefault("chat.default_instruction", "You are a helpful customer support agent. Only answer questions related to the provided data.")
	v.SetDefault("chat.history_turns", 10)
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := v.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}
}

// Defaults 返回只包含默认值的配置，主要供测试使用。
func Defaults() Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		panic(fmt.Errorf("无法解析默认配置: %w", err))
	}
	return c
}
