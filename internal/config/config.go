package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix = "DOCRELAY"

	DefaultAttachTimeoutMS = 5000
)

// patternModes 与 rules 包支持的匹配方式一致，空值视为 contains
var patternModes = map[string]bool{
	"": true, "contains": true, "prefix": true, "suffix": true,
	"exact": true, "segment": true, "glob": true, "regex": true,
}

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version" mapstructure:"version"`

	Sqlite struct {
		Dsn    string `yaml:"dsn" mapstructure:"dsn"`
		Prefix string `yaml:"prefix" mapstructure:"prefix"`
	} `yaml:"sqlite" mapstructure:"sqlite"`

	Log struct {
		Level  string   `yaml:"level" mapstructure:"level"`
		Writer []string `yaml:"writer" mapstructure:"writer"`
		File   string   `yaml:"file" mapstructure:"file"`
	} `yaml:"log" mapstructure:"log"`

	Control ControlConfig `yaml:"control" mapstructure:"control"`

	Bridge struct {
		Listen string `yaml:"listen" mapstructure:"listen"`

		// ViewerOrigin 查看器消息的可信来源，为空时不校验
		ViewerOrigin string `yaml:"viewer_origin" mapstructure:"viewer_origin"`
	} `yaml:"bridge" mapstructure:"bridge"`

	Browser struct {
		DevToolsURL      string `yaml:"devtools_url" mapstructure:"devtools_url"`
		Target           string `yaml:"target" mapstructure:"target"`
		ProcessTimeoutMS int    `yaml:"process_timeout_ms" mapstructure:"process_timeout_ms"`

		// AttachTimeoutMS 连接调试目标的上限
		AttachTimeoutMS int `yaml:"attach_timeout_ms" mapstructure:"attach_timeout_ms"`
	} `yaml:"browser" mapstructure:"browser"`
}

// ControlConfig 单个控件实例的拦截配置
type ControlConfig struct {
	PayloadTimeout time.Duration   `yaml:"payload_timeout" mapstructure:"payload_timeout"`
	TextCharset    string          `yaml:"text_charset" mapstructure:"text_charset"`
	Patterns       []PatternConfig `yaml:"patterns" mapstructure:"patterns"`
}

// PatternConfig 一条 URL 匹配规则
type PatternConfig struct {
	Mode       string   `yaml:"mode" mapstructure:"mode"`
	Value      string   `yaml:"value" mapstructure:"value"`
	Action     string   `yaml:"action" mapstructure:"action"`
	Mechanisms []string `yaml:"mechanisms" mapstructure:"mechanisms"`
}

// DefaultPatterns 默认匹配策略：先放行查看器自身的资源包，再按路径段转移文档请求
func DefaultPatterns() []PatternConfig {
	return []PatternConfig{
		{Mode: "contains", Value: "/lib/core/", Action: "pass"},
		{Mode: "contains", Value: "/lib/ui/", Action: "pass"},
		{Mode: "segment", Value: "public", Action: "divert"},
	}
}

// DefaultControl 默认控件配置
func DefaultControl() ControlConfig {
	return ControlConfig{
		PayloadTimeout: 30 * time.Second,
		TextCharset:    "utf-8",
		Patterns:       DefaultPatterns(),
	}
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{Version: "1.0.0"}
	c.Sqlite.Dsn = "db.sqlite3"
	c.Sqlite.Prefix = "docrelay_"
	c.Log.Level = "debug"
	c.Log.Writer = []string{"console", "file"}
	c.Control = DefaultControl()
	c.Bridge.Listen = "127.0.0.1:8787"
	c.Browser.ProcessTimeoutMS = 3000
	c.Browser.AttachTimeoutMS = DefaultAttachTimeoutMS
	return c
}

// Load 读取配置文件并叠加环境变量，path 为空时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v, NewConfig())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return nil, fmt.Errorf("读取配置文件失败 %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindDefaults 注册默认值，使 AutomaticEnv 能覆盖未出现在文件中的键
func bindDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("version", c.Version)
	v.SetDefault("sqlite.dsn", c.Sqlite.Dsn)
	v.SetDefault("sqlite.prefix", c.Sqlite.Prefix)
	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.writer", c.Log.Writer)
	v.SetDefault("log.file", c.Log.File)
	v.SetDefault("control.payload_timeout", c.Control.PayloadTimeout)
	v.SetDefault("control.text_charset", c.Control.TextCharset)
	v.SetDefault("control.patterns", c.Control.Patterns)
	v.SetDefault("bridge.listen", c.Bridge.Listen)
	v.SetDefault("bridge.viewer_origin", c.Bridge.ViewerOrigin)
	v.SetDefault("browser.devtools_url", c.Browser.DevToolsURL)
	v.SetDefault("browser.target", c.Browser.Target)
	v.SetDefault("browser.process_timeout_ms", c.Browser.ProcessTimeoutMS)
	v.SetDefault("browser.attach_timeout_ms", c.Browser.AttachTimeoutMS)
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Control.PayloadTimeout <= 0 {
		return fmt.Errorf("control.payload_timeout 必须大于 0")
	}
	for i, p := range c.Control.Patterns {
		if p.Value == "" {
			return fmt.Errorf("control.patterns[%d]: value 不能为空", i)
		}
		switch strings.ToLower(strings.TrimSpace(p.Action)) {
		case "divert", "pass":
		default:
			return fmt.Errorf("control.patterns[%d]: 未知动作 %q", i, p.Action)
		}
		if !patternModes[strings.ToLower(strings.TrimSpace(p.Mode))] {
			return fmt.Errorf("control.patterns[%d]: 未知匹配方式 %q", i, p.Mode)
		}
	}
	if c.Browser.AttachTimeoutMS < 0 {
		return fmt.Errorf("browser.attach_timeout_ms 不能为负数")
	}
	return nil
}
