package config

import (
	"encoding/json"
	"fmt"
	"log"
	"reflect"
	"sync"

	"github.com/spf13/viper"
)

type Config struct {
	LogZapMode               string `mapstructure:"LOG_ZAP_MODE"`
	PrintConfigurationToLogs string `mapstructure:"PRINT_CONFIGURATION_TO_LOGS"`

	SqlitePath string `mapstructure:"SQLITE_PATH"`
	BadgerPath string `mapstructure:"BADGER_PATH"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// Hex-encoded 32-byte key for chain API credential decryption.
	EncryptionKey string `mapstructure:"ENCRYPTION_KEY"`

	SyncIntervalSeconds      uint64 `mapstructure:"SYNC_INTERVAL_SECONDS"`
	SubSyncIntervalSeconds   uint64 `mapstructure:"SUB_SYNC_INTERVAL_SECONDS"`
	ReconnectDelaySeconds    uint64 `mapstructure:"RECONNECT_DELAY_SECONDS"`
	SyncWorkerConcurrency    int    `mapstructure:"SYNC_WORKER_CONCURRENCY"`
	CalcWorkerConcurrency    int    `mapstructure:"CALC_WORKER_CONCURRENCY"`
	CleanupWorkerConcurrency int    `mapstructure:"CLEANUP_WORKER_CONCURRENCY"`
	JobMaxAttempts           int    `mapstructure:"JOB_MAX_ATTEMPTS"`

	LogSourceTimeoutSeconds    uint64  `mapstructure:"LOG_SOURCE_TIMEOUT_SECONDS"`
	LogSourceRequestsPerSecond float64 `mapstructure:"LOG_SOURCE_REQUESTS_PER_SECOND"`
}

var lock = &sync.Mutex{}
var config *Config

var Get = get

func get() Config {
	if config == nil {
		lock.Lock()
		defer lock.Unlock()
		if config == nil {
			c := loadConfig()
			config = &c
		}
	}
	return *config
}

func loadConfig() Config {
	viperAddConfigFile()
	viperAddEnv()
	cfg := initializeCfg()
	debugConfig(cfg)
	return cfg
}

func viperAddConfigFile() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("env")
}

func viperAddEnv() {
	viper.AutomaticEnv()
	// This makes sure that all envs are binded even if they are not represented in config file (https://github.com/spf13/viper/issues/584)
	valueOfConfig := reflect.ValueOf(&Config{}).Elem()
	fieldsOfConfig := reflect.TypeOf(&Config{}).Elem()
	for i := 0; i < valueOfConfig.NumField(); i++ {
		field, _ := fieldsOfConfig.FieldByName(valueOfConfig.Type().Field(i).Name)
		mapStructureVal := field.Tag.Get("mapstructure")
		err := viper.BindEnv(mapStructureVal)
		if err != nil {
			panic(fmt.Sprintf("Error binding env val '%v': %v", mapStructureVal, err))
		}
	}
}

func initializeCfg() Config {
	var cfg Config
	err := viper.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		} else {
			panic(fmt.Sprintf("fatal error reading config file: %v", err))
		}
	}

	err = viper.Unmarshal(&cfg)
	if err != nil {
		panic(fmt.Sprintf("error unmarshaling config: %v", err))
	}
	return cfg
}

func debugConfig(cfg Config) {
	if cfg.PrintConfigurationToLogs == "true" {
		redacted := cfg
		if redacted.EncryptionKey != "" {
			redacted.EncryptionKey = "[REDACTED]"
		}
		if redacted.RedisPassword != "" {
			redacted.RedisPassword = "[REDACTED]"
		}
		b, err := json.Marshal(redacted)
		var result string
		if err != nil {
			result = "[FAILED TO CONVERT CONF TO STRING]"
		} else {
			result = string(b)
		}
		log.Printf("[APP CONFIGURATION]: %v\n", result)
	}
}
