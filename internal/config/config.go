package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/getcharzp/go-cutout"
	"github.com/getcharzp/go-cutout/internal/compositor"
	"github.com/getcharzp/go-cutout/sam2"
	"github.com/spf13/viper"
	"github.com/up-zero/gotool/convertutil"
)

// EnvPrefix 环境变量前缀, 例如 CUTOUT_SERVER_ADDR
const EnvPrefix = "CUTOUT"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	ONNX    ONNXConfig    `mapstructure:"onnx"`
	SAM2    SAM2Config    `mapstructure:"sam2"`
	Storage StorageConfig `mapstructure:"storage"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Quota   QuotaConfig   `mapstructure:"quota"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
}

type ServerConfig struct {
	Addr             string        `mapstructure:"addr"`
	Mode             string        `mapstructure:"mode"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes     int64         `mapstructure:"max_body_bytes"`
	MaxFeatherRadius int           `mapstructure:"max_feather_radius"`
}

type AuthConfig struct {
	// JWTSecret HS256 访问令牌的签名密钥, 为空时只接受 API Key
	JWTSecret string  `mapstructure:"jwt_secret"`
	RateLimit float64 `mapstructure:"rate_limit"` // 每用户每秒请求数, 0 表示不限制
	RateBurst int     `mapstructure:"rate_burst"`
}

type ONNXConfig struct {
	OnnxRuntimeLibPath string   `mapstructure:"library_path"`
	NumThreads         int      `mapstructure:"num_threads"`
	Providers          []string `mapstructure:"providers"`
}

type SAM2Config struct {
	DecoderURL     string   `mapstructure:"decoder_url"`
	EncoderURL     string   `mapstructure:"encoder_url"`
	MaskRoles      []string `mapstructure:"mask_roles"`
	ScoreRoles     []string `mapstructure:"score_roles"`
	EmbeddingRoles []string `mapstructure:"embedding_roles"`
}

type StorageConfig struct {
	DBPath    string `mapstructure:"db_path"`
	BlobDir   string `mapstructure:"blob_dir"`
	// PublicURL 结果文件的访问前缀, 默认由本服务的 /files 提供
	PublicURL string `mapstructure:"public_url"`
}

type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type QuotaConfig struct {
	FreeMonthlyLimit int      `mapstructure:"free_monthly_limit"`
	PaidPlans        []string `mapstructure:"paid_plans"`
}

type FetchConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxBytes  int64         `mapstructure:"max_bytes"`
	// MaxPixels 解码前按图片头部检查的像素上限
	MaxPixels int64         `mapstructure:"max_pixels"`
}

// Load 从 YAML 文件加载配置, 文件不存在时使用默认值, 环境变量优先级最高
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// 兼容部署环境中已有的变量名
	_ = v.BindEnv("sam2.decoder_url", EnvPrefix+"_SAM2_DECODER_URL", "SAM2_DECODER_URL")

	// 设置默认值
	setDefaults(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("读取配置文件失败: %w", err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// New 使用默认配置路径加载配置
func New() *Config {
	cfg, err := Load("config.yaml")
	if err != nil {
		// 如果加载失败，返回默认配置
		return Default()
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 90*time.Second)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.max_body_bytes", 64<<20)
	v.SetDefault("server.max_feather_radius", 50)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.rate_limit", 2.0)
	v.SetDefault("auth.rate_burst", 10)

	v.SetDefault("onnx.library_path", cutout.DefaultLibraryPath())
	v.SetDefault("onnx.num_threads", 0)
	v.SetDefault("onnx.providers", []string{"cuda", "coreml", "directml", "cpu"})

	v.SetDefault("sam2.decoder_url", sam2.DefaultDecoderConfig().ModelURL)
	v.SetDefault("sam2.encoder_url", "")
	v.SetDefault("sam2.mask_roles", sam2.DefaultOutputRoles().Mask)
	v.SetDefault("sam2.score_roles", sam2.DefaultOutputRoles().Score)
	v.SetDefault("sam2.embedding_roles", sam2.DefaultOutputRoles().Embedding)

	v.SetDefault("storage.db_path", "./data/cutout.db")
	v.SetDefault("storage.blob_dir", "./data/blobs")
	v.SetDefault("storage.public_url", "/files")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "cutout:")

	v.SetDefault("quota.free_monthly_limit", 2)
	v.SetDefault("quota.paid_plans", []string{"basic", "starter", "professional"})

	v.SetDefault("fetch.timeout", 20*time.Second)
	v.SetDefault("fetch.max_bytes", 50<<20)
	v.SetDefault("fetch.max_pixels", compositor.DefaultMaxPixels)
}

// Default 返回默认配置
func Default() *Config {
	roles := sam2.DefaultOutputRoles()
	return &Config{
		Server: ServerConfig{
			Addr:             ":8080",
			Mode:             "debug",
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     90 * time.Second,
			RequestTimeout:   60 * time.Second,
			MaxBodyBytes:     64 << 20,
			MaxFeatherRadius: 50,
		},
		Auth: AuthConfig{
			RateLimit: 2,
			RateBurst: 10,
		},
		ONNX: ONNXConfig{
			OnnxRuntimeLibPath: cutout.DefaultLibraryPath(),
			Providers:          []string{"cuda", "coreml", "directml", "cpu"},
		},
		SAM2: SAM2Config{
			DecoderURL:     sam2.DefaultDecoderConfig().ModelURL,
			MaskRoles:      roles.Mask,
			ScoreRoles:     roles.Score,
			EmbeddingRoles: roles.Embedding,
		},
		Storage: StorageConfig{
			DBPath:    "./data/cutout.db",
			BlobDir:   "./data/blobs",
			PublicURL: "/files",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "cutout:",
		},
		Quota: QuotaConfig{
			FreeMonthlyLimit: 2,
			PaidPlans:        []string{"basic", "starter", "professional"},
		},
		Fetch: FetchConfig{
			Timeout:   20 * time.Second,
			MaxBytes:  50 << 20,
			MaxPixels: compositor.DefaultMaxPixels,
		},
	}
}

// Validate 检查配置取值
func (c *Config) Validate() error {
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("server.mode 只能是 debug, release 或 test: %q", c.Server.Mode)
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout 必须大于 0")
	}
	if c.Server.MaxFeatherRadius < 0 {
		return fmt.Errorf("server.max_feather_radius 不能为负数")
	}
	if c.Quota.FreeMonthlyLimit < 0 {
		return fmt.Errorf("quota.free_monthly_limit 不能为负数")
	}
	if _, err := cutout.ParseProviders(c.ONNX.Providers); err != nil {
		return fmt.Errorf("onnx.providers: %w", err)
	}
	return nil
}

// OnnxConfig 转换为 ONNX Runtime 配置
func (c *Config) OnnxConfig() (cutout.OnnxConfig, error) {
	oc := new(cutout.OnnxConfig)
	if err := convertutil.CopyProperties(c.ONNX, oc); err != nil {
		return cutout.OnnxConfig{}, fmt.Errorf("复制参数失败: %w", err)
	}
	return *oc, nil
}

// Roles 模型输出角色表
func (c *Config) Roles() sam2.OutputRoles {
	return sam2.OutputRoles{
		Mask:      c.SAM2.MaskRoles,
		Score:     c.SAM2.ScoreRoles,
		Embedding: c.SAM2.EmbeddingRoles,
	}
}

// DecoderConfig 解码器配置
func (c *Config) DecoderConfig() sam2.DecoderConfig {
	providers, _ := cutout.ParseProviders(c.ONNX.Providers)
	return sam2.DecoderConfig{
		ModelURL:  c.SAM2.DecoderURL,
		Providers: providers,
		Roles:     c.Roles(),
	}
}

// EncoderConfig 编码器配置, 未配置 encoder_url 时返回 false
func (c *Config) EncoderConfig() (sam2.EncoderConfig, bool) {
	if c.SAM2.EncoderURL == "" {
		return sam2.EncoderConfig{}, false
	}
	providers, _ := cutout.ParseProviders(c.ONNX.Providers)
	return sam2.EncoderConfig{
		ModelURL:  c.SAM2.EncoderURL,
		Providers: providers,
		Roles:     c.Roles(),
	}, true
}
