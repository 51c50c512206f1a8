package main

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type serverConfig struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	Database struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"database"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Token struct {
		AccessTTL  time.Duration `mapstructure:"access_ttl"`
		RefreshTTL time.Duration `mapstructure:"refresh_ttl"`
		Issuer     string        `mapstructure:"issuer"`
		// Keys are base64-encoded raw ed25519 key bytes.
		PrivateKey string `mapstructure:"private_key"`
		PublicKey  string `mapstructure:"public_key"`
		KeyID      string `mapstructure:"key_id"`
	} `mapstructure:"token"`
	Audit struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"audit"`
}

func loadConfig(path string) (serverConfig, error) {
	v := viper.New()
	v.SetConfigName("tokenledgerd")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix("TOKENLEDGER")
	v.AutomaticEnv()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("token.access_ttl", 15*time.Minute)
	v.SetDefault("token.refresh_ttl", 168*time.Hour)
	v.SetDefault("token.issuer", "tokenledger")
	v.SetDefault("audit.enabled", true)

	var cfg serverConfig
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func decodeKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(encoded)
}
