package bootstrap

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"stockflow/internal/pkg/logger"
	"stockflow/internal/pkg/nacos"
)

// 流与消费组的默认名称，所有组件都从配置读取，不在代码中散落字符串
const (
	DefaultStreamKey       = "stock-update-stream"
	DefaultConsumerGroup   = "stock-processor-group"
	DefaultDeadLetterTopic = "stock-update-dlt"
	DefaultLockKeyPrefix   = "stock:lock:product:"
)

// 加锁实现
const (
	LockProviderRedis     = "redis"
	LockProviderZookeeper = "zookeeper"
)

// Config 是整个服务的配置
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Log     logger.Config `yaml:"log"`
	Infra   InfraConfig   `yaml:"infra"`
	Stream  StreamConfig  `yaml:"stream"`
	Lock    LockConfig    `yaml:"lock"`
}

type ServiceConfig struct {
	Name        string `yaml:"name"`
	MetricsAddr string `yaml:"metricsAddr"`
}

type InfraConfig struct {
	Redis struct {
		Addrs string `yaml:"addrs"`
	} `yaml:"redis"`
	MySQL struct {
		DSN          string        `yaml:"dsn"`
		MaxOpenConns int           `yaml:"maxOpenConns"`
		MaxIdleConns int           `yaml:"maxIdleConns"`
		ConnMaxLife  time.Duration `yaml:"connMaxLife"`
		AutoMigrate  bool          `yaml:"autoMigrate"`
	} `yaml:"mysql"`
	Kafka struct {
		Brokers         string `yaml:"brokers"`
		DeadLetterTopic string `yaml:"deadLetterTopic"`
		AuditGroup      string `yaml:"auditGroup"`
	} `yaml:"kafka"`
	Zookeeper struct {
		Servers        string        `yaml:"servers"`
		SessionTimeout time.Duration `yaml:"sessionTimeout"`
		Root           string        `yaml:"root"`
	} `yaml:"zookeeper"`
	Jaeger struct {
		Endpoint string `yaml:"endpoint"`
	} `yaml:"jaeger"`
	Nacos struct {
		ServerAddrs string `yaml:"serverAddrs"`
		Namespace   string `yaml:"namespace"`
		Group       string `yaml:"group"`
		DataID      string `yaml:"dataId"`
	} `yaml:"nacos"`
}

// StreamConfig 描述库存变更流及其消费方式
type StreamConfig struct {
	Key          string        `yaml:"key"`
	Group        string        `yaml:"group"`
	Consumer     string        `yaml:"consumer"`
	BatchSize    int64         `yaml:"batchSize"`
	BlockTimeout time.Duration `yaml:"blockTimeout"`
	PollInterval time.Duration `yaml:"pollInterval"`
	ClaimMinIdle time.Duration `yaml:"claimMinIdle"`
	MaxLen       int64         `yaml:"maxLen"`
}

// LockConfig 描述商品锁
type LockConfig struct {
	Provider  string        `yaml:"provider"`
	Wait      time.Duration `yaml:"wait"`
	Lease     time.Duration `yaml:"lease"`
	KeyPrefix string        `yaml:"keyPrefix"`
}

// Default 返回带有默认值的配置
func Default() Config {
	var c Config
	c.Service.Name = "stock-processor"
	c.Service.MetricsAddr = ":9102"
	c.Log.Level = "info"
	c.Infra.Redis.Addrs = "localhost:6379"
	c.Infra.MySQL.DSN = "root:root@tcp(localhost:3306)/stockflow?charset=utf8mb4&parseTime=true&loc=Local"
	c.Infra.MySQL.MaxOpenConns = 20
	c.Infra.MySQL.MaxIdleConns = 10
	c.Infra.MySQL.ConnMaxLife = 30 * time.Minute
	c.Infra.Kafka.DeadLetterTopic = DefaultDeadLetterTopic
	c.Infra.Kafka.AuditGroup = "stock-dlt-auditor"
	c.Infra.Zookeeper.SessionTimeout = 10 * time.Second
	c.Infra.Zookeeper.Root = "/distributed_locks"
	c.Infra.Nacos.Group = "DEFAULT_GROUP"
	c.Infra.Nacos.DataID = "stock-processor.yaml"
	c.Stream = StreamConfig{
		Key:          DefaultStreamKey,
		Group:        DefaultConsumerGroup,
		BatchSize:    1,
		BlockTimeout: 2 * time.Second,
		PollInterval: 2 * time.Second,
		ClaimMinIdle: 60 * time.Second,
		MaxLen:       10000,
	}
	c.Lock = LockConfig{
		Provider:  LockProviderRedis,
		Wait:      5 * time.Second,
		Lease:     30 * time.Second,
		KeyPrefix: DefaultLockKeyPrefix,
	}
	return c
}

// RemoteConnector 根据地址和命名空间连接远程配置中心
type RemoteConnector func(addrs, namespace string) (nacos.ConfigSource, error)

// NacosConnector 是 RemoteConnector 的 Nacos 实现
func NacosConnector(addrs, namespace string) (nacos.ConfigSource, error) {
	client, err := nacos.NewConfigClient(addrs, namespace)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Load 依次合并：默认值 -> YAML 文件 -> 环境变量 -> Nacos 远程配置（配置了地址时）-> 环境变量
func Load(path string, connect RemoteConnector) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse config file %s", path)
		}
	case !os.IsNotExist(err):
		return cfg, errors.Wrapf(err, "read config file %s", path)
	}

	applyEnv(&cfg)

	if connect != nil && cfg.Infra.Nacos.ServerAddrs != "" {
		remote, err := connect(cfg.Infra.Nacos.ServerAddrs, cfg.Infra.Nacos.Namespace)
		if err != nil {
			return cfg, err
		}
		content, err := remote.Fetch(cfg.Infra.Nacos.DataID, cfg.Infra.Nacos.Group)
		remote.Close()
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
			return cfg, errors.Wrap(err, "parse nacos config")
		}
		// 环境变量的优先级最高
		applyEnv(&cfg)
	}

	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString("SERVICE_NAME", &cfg.Service.Name)
	setString("METRICS_ADDR", &cfg.Service.MetricsAddr)
	setString("LOG_LEVEL", &cfg.Log.Level)
	setString("REDIS_ADDRS", &cfg.Infra.Redis.Addrs)
	setString("MYSQL_DSN", &cfg.Infra.MySQL.DSN)
	setString("KAFKA_BROKERS", &cfg.Infra.Kafka.Brokers)
	setString("ZK_SERVERS", &cfg.Infra.Zookeeper.Servers)
	setString("JAEGER_ENDPOINT", &cfg.Infra.Jaeger.Endpoint)
	setString("NACOS_SERVER_ADDRS", &cfg.Infra.Nacos.ServerAddrs)
	setString("NACOS_NAMESPACE", &cfg.Infra.Nacos.Namespace)
	setString("NACOS_GROUP", &cfg.Infra.Nacos.Group)
	setString("CONSUMER_NAME", &cfg.Stream.Consumer)
	setString("LOCK_PROVIDER", &cfg.Lock.Provider)
	if v, err := strconv.ParseBool(os.Getenv("LOG_CONSOLE")); err == nil {
		cfg.Log.Console = v
	}
}

// Validate 检查配置是否可用
func (c Config) Validate() error {
	var problems []string
	if c.Stream.Key == "" || c.Stream.Group == "" {
		problems = append(problems, "stream key and group are required")
	}
	if c.Stream.BatchSize < 1 {
		problems = append(problems, "stream.batchSize must be >= 1")
	}
	if c.Stream.PollInterval <= 0 || c.Stream.BlockTimeout < 0 || c.Stream.ClaimMinIdle <= 0 {
		problems = append(problems, "stream durations must be positive")
	}
	if c.Lock.Wait <= 0 || c.Lock.Lease <= 0 {
		problems = append(problems, "lock wait and lease must be positive")
	}
	switch c.Lock.Provider {
	case LockProviderRedis:
	case LockProviderZookeeper:
		if c.Infra.Zookeeper.Servers == "" {
			problems = append(problems, "infra.zookeeper.servers is required for the zookeeper lock provider")
		}
	default:
		problems = append(problems, "lock.provider must be redis or zookeeper")
	}
	if _, err := mysql.ParseDSN(c.Infra.MySQL.DSN); err != nil {
		problems = append(problems, "infra.mysql.dsn: "+err.Error())
	}
	if len(problems) > 0 {
		return errors.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// KafkaBrokers 拆分 broker 列表，未配置时返回 nil
func (c Config) KafkaBrokers() []string {
	if strings.TrimSpace(c.Infra.Kafka.Brokers) == "" {
		return nil
	}
	return strings.Split(c.Infra.Kafka.Brokers, ",")
}

var currentConfig atomic.Pointer[Config]

// GetCurrentConfig 返回 Init 加载的配置
func GetCurrentConfig() Config {
	if c := currentConfig.Load(); c != nil {
		return *c
	}
	return Default()
}

func setCurrentConfig(c Config) {
	currentConfig.Store(&c)
}
