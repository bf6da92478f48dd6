package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	DB         DBConfig         `mapstructure:"db"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	HttpPort string `mapstructure:"http_port"`
}

type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	MQType   string `mapstructure:"mq_type"` // "redis" or "kafka"
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	EffectTopic   string   `mapstructure:"effect_topic"`   // 结算效果通知主题
	InboundTopic  string   `mapstructure:"inbound_topic"`  // 传输层投递规范化事件的主题 (可选)
	ConsumerGroup string   `mapstructure:"consumer_group"` // 入站消费组
}

// SettlementConfig 结算相关的业务参数
// 金额类参数用字符串承载，在装配时解析为 decimal，避免 float 污染
type SettlementConfig struct {
	ToleranceRate  string        `mapstructure:"tolerance_rate"` // 容忍比例，如 "0.03"
	MinTolerance   string        `mapstructure:"min_tolerance"`  // 容忍的绝对下限，"0" 表示不启用
	DecisionWindow time.Duration `mapstructure:"decision_window"`
}

// WebhookConfig 重试队列和调度参数
type WebhookConfig struct {
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	MaxRetries        int           `mapstructure:"max_retries"`
	Workers           int           `mapstructure:"workers"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ClaimBatch        int           `mapstructure:"claim_batch"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"`
}

var Global Config

func Init() {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yaml")   // REQUIRED if the config file does not have the extension in the name
	viper.AddConfigPath(".")      // optionally look for config in the working directory
	viper.AddConfigPath("./config")

	// 环境变量设置
	viper.AutomaticEnv()
	viper.SetEnvPrefix("ESCROW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 默认值: 退避 60s 起步、封顶 1h、最多重试 4 次
	viper.SetDefault("app.env", "development")
	viper.SetDefault("app.http_port", "8080")
	viper.SetDefault("settlement.tolerance_rate", "0.03")
	viper.SetDefault("settlement.min_tolerance", "0")
	viper.SetDefault("settlement.decision_window", "24h")
	viper.SetDefault("webhook.base_delay", "60s")
	viper.SetDefault("webhook.max_delay", "1h")
	viper.SetDefault("webhook.max_retries", 4)
	viper.SetDefault("webhook.workers", 4)
	viper.SetDefault("webhook.poll_interval", "1s")
	viper.SetDefault("webhook.claim_batch", 50)
	viper.SetDefault("webhook.processing_timeout", "10m")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("Config file not found, relying on defaults and env vars")
		} else {
			log.Fatalf("Read config failed: %v", err)
		}
	}

	if err := viper.Unmarshal(&Global); err != nil {
		log.Fatalf("Unmarshal config failed: %v", err)
	}
}
