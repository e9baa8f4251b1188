package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"OpenMEE-Chain/internal/auth"
	xerrors "OpenMEE-Chain/internal/errors"
	"OpenMEE-Chain/internal/execution"
	"OpenMEE-Chain/internal/web3"
	"OpenMEE-Chain/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "OPENMEE_CONFIG"

// DefaultPath 是未设置 OPENMEE_CONFIG 时使用的配置文件。
const DefaultPath = "configs/openmee.yaml"

// Config 描述了 OpenMEE 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Log       logger.Config     `yaml:"log"`
	Web3      Web3Config        `yaml:"web3"`
	MEE       MEEConfig         `yaml:"mee"`
	Execution execution.Options `yaml:"execution"`
	Storage   StorageConfig     `yaml:"storage"`
	Queue     QueueConfig       `yaml:"queue"`
	Account   AccountConfig     `yaml:"account"`
	Alerting  AlertingConfig    `yaml:"alerting"`
	Flow      FlowConfig        `yaml:"flow"`
}

// ServerConfig 控制 API 服务的监听地址与作业处理并发。
type ServerConfig struct {
	Address    string      `yaml:"address"`
	Workers    int         `yaml:"workers"`
	MaxRetries int         `yaml:"max_retries"`
	Auth       auth.Config `yaml:"auth"`
}

// Web3Config 包含访问区块链节点所需的信息。ChainsFile 为空时只使用 RPCURL。
type Web3Config struct {
	ChainsFile string `yaml:"chains_file"`
	RPCURL     string `yaml:"rpc_url"`
	ChainID    uint64 `yaml:"chain_id"`
}

// MEEConfig 描述执行中继节点。
type MEEConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// StorageConfig 统一描述作业存储与回执存储。
type StorageConfig struct {
	JobStore     JobStoreConfig     `yaml:"job_store"`
	ReceiptStore ReceiptStoreConfig `yaml:"receipt_store"`
}

// JobStoreConfig 选择 memory 或 mysql 作业存储。
type JobStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ReceiptStoreConfig 选择 memory 或 redis 回执存储。
type ReceiptStoreConfig struct {
	Driver string        `yaml:"driver"`
	Redis  RedisConfig   `yaml:"redis"`
	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"`
}

// RedisConfig 是 Redis 连接参数。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig 选择作业队列实现：memory、redis 或 rabbitmq。
type QueueConfig struct {
	Driver    string         `yaml:"driver"`
	Name      string         `yaml:"name"`
	Size      int            `yaml:"size"`
	BlockWait time.Duration  `yaml:"block_wait"`
	Redis     RedisConfig    `yaml:"redis"`
	RabbitMQ  RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig 是 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// AccountConfig 描述签名密钥与智能账户版本。
// Factory 与 InitCodeHash 同时填写时覆盖预置版本的部署参数。
type AccountConfig struct {
	PrivateKey   string `yaml:"private_key"`
	Version      string `yaml:"version"`
	Factory      string `yaml:"factory"`
	InitCodeHash string `yaml:"init_code_hash"`
}

// AlertingConfig 控制告警渠道。
type AlertingConfig struct {
	Log        bool   `yaml:"log"`
	WebhookURL string `yaml:"webhook_url"`
}

// FlowConfig 是演示流程用到的合约地址与数量。DryRun 时使用内存中继，
// 并为 EOA 预置 SeedUSDC 数量的 USDC。
type FlowConfig struct {
	USDC     string `yaml:"usdc"`
	AUSDC    string `yaml:"ausdc"`
	AavePool string `yaml:"aave_pool"`
	Amount   string `yaml:"amount"`
	DryRun   bool   `yaml:"dry_run"`
	SeedUSDC string `yaml:"seed_usdc"`
}

// Load 解析 OPENMEE_CONFIG 指定的配置文件，未设置时使用 DefaultPath。
// 文件不存在且未显式指定时只使用默认值与环境变量。
func Load() (*Config, error) {
	path := strings.TrimSpace(os.Getenv(EnvConfigPath))
	if path == "" {
		if _, err := os.Stat(DefaultPath); err != nil {
			cfg := &Config{}
			cfg.applyEnv()
			cfg.applyDefaults(".")
			return cfg, cfg.Validate()
		}
		path = DefaultPath
	}
	return LoadFile(path)
}

// LoadFile 负责解析指定路径的 YAML 配置文件。
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取配置文件失败")
	}
	return Parse(content, filepath.Dir(path))
}

// Parse 解析 YAML 内容，baseDir 用于解析相对路径。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析配置失败")
	}
	cfg.applyEnv()
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 使用环境变量覆盖密钥、地址与节点 URL。
func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&c.Account.PrivateKey, "KEY")
	override(&c.Flow.USDC, "USDC")
	override(&c.Flow.AUSDC, "AUSDC")
	override(&c.Flow.AavePool, "AAVE_POOL_ADDRESS")
	override(&c.Web3.RPCURL, "RPC_URL")
	override(&c.MEE.URL, "MEE_URL")
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.Workers <= 0 {
		c.Server.Workers = 2
	}
	if c.Server.MaxRetries <= 0 {
		c.Server.MaxRetries = 3
	}
	if c.Server.Auth.Mode == "" {
		c.Server.Auth.Mode = auth.ModeDisabled
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Audit.Enabled && c.Log.Audit.Path != "" && !filepath.IsAbs(c.Log.Audit.Path) {
		c.Log.Audit.Path = filepath.Join(baseDir, c.Log.Audit.Path)
	}

	if c.Web3.ChainsFile != "" && !filepath.IsAbs(c.Web3.ChainsFile) {
		c.Web3.ChainsFile = filepath.Join(baseDir, c.Web3.ChainsFile)
	}
	if c.Web3.RPCURL == "" {
		c.Web3.RPCURL = "http://localhost:8545"
	}
	if c.Web3.ChainID == 0 {
		c.Web3.ChainID = 1
	}

	if c.MEE.URL == "" {
		c.MEE.URL = "http://localhost:3000/v3"
	}
	if c.MEE.Timeout <= 0 {
		c.MEE.Timeout = 30 * time.Second
	}

	defaults := execution.DefaultOptions()
	if c.Execution.Confirmations == 0 {
		c.Execution.Confirmations = defaults.Confirmations
	}
	if c.Execution.PollInterval <= 0 {
		c.Execution.PollInterval = defaults.PollInterval
	}
	if c.Execution.PollAttempts == 0 {
		c.Execution.PollAttempts = defaults.PollAttempts
	}
	if c.Execution.WaitTimeout <= 0 {
		c.Execution.WaitTimeout = defaults.WaitTimeout
	}

	if c.Storage.JobStore.Driver == "" {
		c.Storage.JobStore.Driver = "memory"
	}
	if c.Storage.ReceiptStore.Driver == "" {
		c.Storage.ReceiptStore.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 64
	}

	if c.Account.Version == "" {
		c.Account.Version = "2.1.0"
	}
	if c.Flow.Amount == "" {
		c.Flow.Amount = "10000000"
	}
	if c.Flow.SeedUSDC == "" {
		c.Flow.SeedUSDC = "100000000"
	}
}

// Validate 检查驱动名称等枚举值。
func (c *Config) Validate() error {
	check := func(field, value string, allowed ...string) error {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("%s 不支持 %q，可选: %s", field, value, strings.Join(allowed, "/")))
	}
	if err := check("storage.job_store.driver", c.Storage.JobStore.Driver, "memory", "mysql"); err != nil {
		return err
	}
	if err := check("storage.receipt_store.driver", c.Storage.ReceiptStore.Driver, "memory", "redis"); err != nil {
		return err
	}
	if err := check("queue.driver", c.Queue.Driver, "memory", "redis", "rabbitmq"); err != nil {
		return err
	}
	if c.Storage.JobStore.Driver == "mysql" && strings.TrimSpace(c.Storage.JobStore.DSN) == "" {
		return xerrors.New(xerrors.CodeConfiguration, "mysql 作业存储需要 dsn")
	}
	if c.Storage.ReceiptStore.Driver == "redis" && c.Storage.ReceiptStore.Redis.Address == "" {
		return xerrors.New(xerrors.CodeConfiguration, "redis 回执存储需要 address")
	}
	if c.Queue.Driver == "redis" && c.Queue.Redis.Address == "" {
		return xerrors.New(xerrors.CodeConfiguration, "redis 队列需要 address")
	}
	if c.Queue.Driver == "rabbitmq" && c.Queue.RabbitMQ.URL == "" {
		return xerrors.New(xerrors.CodeConfiguration, "rabbitmq 队列需要 url")
	}
	if (c.Account.Factory == "") != (c.Account.InitCodeHash == "") {
		return xerrors.New(xerrors.CodeConfiguration, "account.factory 与 account.init_code_hash 必须同时填写")
	}
	return nil
}

// ChainDefinitions 返回链端点定义。未配置 chains_file 时由 web3.rpc_url 与
// web3.chain_id 构造单链定义。
func (c *Config) ChainDefinitions() (web3.ChainDefinitions, error) {
	if c.Web3.ChainsFile != "" {
		defs, err := web3.LoadChainDefinitions(c.Web3.ChainsFile)
		if err != nil {
			return web3.ChainDefinitions{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "加载链配置失败")
		}
		if len(defs.Chains) > 0 {
			return defs, nil
		}
	}
	return web3.ChainDefinitions{Chains: map[string]web3.ChainDefinition{
		"default": {
			Type:           "evm",
			ChainID:        c.Web3.ChainID,
			RPCURL:         c.Web3.RPCURL,
			AccountVersion: c.Account.Version,
		},
	}}, nil
}
