package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	MongoURI      string        `mapstructure:"mongo_uri"`
	MongoDB       string        `mapstructure:"mongo_db"`
	Port          string        `mapstructure:"port"`
	MasterKEK     string        `mapstructure:"master_kek"`
	ReconcileTick time.Duration `mapstructure:"reconcile_tick"`
	Btc           BtcConfig     `mapstructure:"btc"`
	Eth           EthConfig     `mapstructure:"eth"`
	Sol           SolConfig     `mapstructure:"sol"`
}

type BtcConfig struct {
	RPCHost string `mapstructure:"rpc_host"`
	RPCUser string `mapstructure:"rpc_user"`
	RPCPass string `mapstructure:"rpc_pass"`
	MainNet bool   `mapstructure:"main_net"`
	// Flat fee in satoshi reserved on every sweep/withdrawal build.
	FeeSats int64 `mapstructure:"fee_sats"`
}

type EthConfig struct {
	RPC         string  `mapstructure:"rpc"`
	ChainID     int64   `mapstructure:"chain_id"`
	SendsPerSec float64 `mapstructure:"sends_per_sec"`
}

type SolConfig struct {
	RPC string `mapstructure:"rpc"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// ENV overrides YAML.
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("mongo_db", "custody_service")
	v.SetDefault("port", "8080")
	v.SetDefault("reconcile_tick", 30*time.Second)
	v.SetDefault("eth.sends_per_sec", 5)
	v.SetDefault("btc.fee_sats", 2000)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
