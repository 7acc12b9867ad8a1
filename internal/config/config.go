package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/tuannm99/novabtree/internal/storage"
)

const EnvPrefix = "NOVABTREE"

type Config struct {
	AppName string `mapstructure:"app_name" validate:"required"`

	Storage Storage `mapstructure:"storage"`
	Tree    Tree    `mapstructure:"tree"`
	Logger  Logger  `mapstructure:"logger"`
	Bench   Bench   `mapstructure:"bench"`
}

// Storage describes where and how index pages live. PageBits and LeafXtra
// only shape a new index; PageBits 0 means "whatever the index has".
type Storage struct {
	Mode         string `mapstructure:"mode" validate:"oneof=mmap memory"`
	Workdir      string `mapstructure:"workdir" validate:"required_if=Mode mmap"`
	Name         string `mapstructure:"name" validate:"required"`
	PageBits     uint   `mapstructure:"page_bits" validate:"omitempty,min=9,max=24"`
	LeafXtra     uint   `mapstructure:"leaf_xtra" validate:"max=15"`
	SegmentPages int    `mapstructure:"segment_pages" validate:"min=1"`
	MaxPages     uint64 `mapstructure:"max_pages"`
}

type Tree struct {
	Retries int `mapstructure:"retries" validate:"min=1"`
}

type Logger struct {
	LogLevel    string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	Format      string `mapstructure:"format" validate:"oneof=text json"`
	FileLogName string `mapstructure:"file_log_name"`
	MaxBackups  int    `mapstructure:"max_backups" validate:"min=0"`
	MaxAge      int    `mapstructure:"max_age" validate:"min=0"`
	MaxSize     int    `mapstructure:"max_size" validate:"min=0"`
	Compress    bool   `mapstructure:"compress"`
}

type Bench struct {
	Workers int    `mapstructure:"workers" validate:"min=1,max=1024"`
	Ops     int    `mapstructure:"ops" validate:"min=1"`
	KeyLen  int    `mapstructure:"key_len" validate:"min=8,max=4096"`
	Engines string `mapstructure:"engines" validate:"required"`
	Seed    int64  `mapstructure:"seed"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "novabtree")

	v.SetDefault("storage.mode", "mmap")
	v.SetDefault("storage.workdir", "./data")
	v.SetDefault("storage.name", "index")
	// 0 keeps the geometry of an existing index and picks the storage
	// default for a new one
	v.SetDefault("storage.page_bits", 0)
	v.SetDefault("storage.leaf_xtra", 0)
	v.SetDefault("storage.segment_pages", 4096)
	v.SetDefault("storage.max_pages", 0)

	v.SetDefault("tree.retries", 64)

	v.SetDefault("logger.log_level", "info")
	v.SetDefault("logger.format", "text")
	v.SetDefault("logger.file_log_name", "")
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.compress", false)

	v.SetDefault("bench.workers", 8)
	v.SetDefault("bench.ops", 100000)
	v.SetDefault("bench.key_len", 16)
	v.SetDefault("bench.engines", "btree,pebble")
	v.SetDefault("bench.seed", 1)
}

// New returns a viper instance with defaults and NOVABTREE_ environment
// overrides wired in. path may be empty.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Decode unmarshals v and validates the result.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads the yaml file at path (optional) and returns the validated config.
func Load(path string) (*Config, error) {
	v, err := New(path)
	if err != nil {
		return nil, err
	}
	return Decode(v)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	bits := c.Storage.PageBits
	if bits == 0 {
		bits = storage.DefaultPageBits
	}
	if bits+c.Storage.LeafXtra > storage.MaxPageBits {
		return fmt.Errorf("invalid config: page_bits %d + leaf_xtra %d exceeds %d",
			bits, c.Storage.LeafXtra, storage.MaxPageBits)
	}
	return nil
}
