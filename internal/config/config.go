package config

import (
	"log"
	"sync"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	IsDebug bool `yaml:"is_debug" env:"CPSIM_DEBUG" env-default:"false"`
	Api     struct {
		BindIP string `yaml:"bind_ip" env-default:"0.0.0.0"`
		Port   string `yaml:"port" env-default:"8090"`
	} `yaml:"api"`
	Metrics struct {
		Enabled bool   `yaml:"enabled" env-default:"false"`
		BindIP  string `yaml:"bind_ip" env-default:"0.0.0.0"`
		Port    string `yaml:"port" env-default:"9100"`
	} `yaml:"metrics"`
	Mongo struct {
		Enabled  bool   `yaml:"enabled" env-default:"false"`
		Host     string `yaml:"host" env-default:"localhost"`
		Port     string `yaml:"port" env-default:"27017"`
		User     string `yaml:"user" env-default:""`
		Password string `yaml:"password" env-default:""`
		Database string `yaml:"database" env-default:"cpsim"`
	} `yaml:"mongo"`
	Telegram struct {
		Enabled bool   `yaml:"enabled" env-default:"false"`
		ApiKey  string `yaml:"api_key" env-default:""`
	} `yaml:"telegram"`
	Simulator struct {
		// CsmsUrl is the default central system address for new chargers.
		CsmsUrl            string `yaml:"csms_url" env:"CPSIM_CSMS_URL" env-default:"ws://localhost:8180/ws"`
		ResponseTimeout    int    `yaml:"response_timeout_seconds" env-default:"30"`
		BackoffBaseSeconds int    `yaml:"backoff_base_seconds" env-default:"2"`
		// BackoffMaxSeconds caps the delay between reconnect attempts;
		// attempts themselves are never capped.
		BackoffMaxSeconds int  `yaml:"backoff_max_seconds" env-default:"60"`
		SeedCharger       bool `yaml:"seed_charger" env-default:"false"`
	} `yaml:"simulator"`
}

var instance *Config
var once sync.Once

func GetConfig() (*Config, error) {
	var err error
	once.Do(func() {
		log.Println("reading config")
		instance = &Config{}
		if err = cleanenv.ReadConfig("config.yml", instance); err != nil {
			desc, _ := cleanenv.GetDescription(instance, nil)
			log.Println(desc)
			log.Println(err)
			instance = nil
		}
	})
	return instance, err
}
