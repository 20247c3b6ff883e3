package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const Name = "waypost"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host              string
		HttpPort          int    `yaml:"httpPort"`
		Domain            string `yaml:"domain"`
		AmqpUrl           string `yaml:"amqpUrl"`
		AutoAcceptFollows bool   `yaml:"autoAcceptFollows"`
		DeliveryBatchSize int    `yaml:"deliveryBatchSize"`
		DeliveryPollSecs  int    `yaml:"deliveryPollSecs"`
		DbPath            string `yaml:"dbPath"`
	}
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	// Try to read from resolved path
	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Info("Config file not found, using embedded defaults", "path", configPath)
		buf = embeddedConfig

		// Try to write default config to user config directory
		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Warn("Could not write default config", "path", userConfigPath, "err", writeErr)
			} else {
				log.Info("Created default config file", "path", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	applyEnvOverrides(c)

	if c.Conf.DeliveryBatchSize <= 0 {
		c.Conf.DeliveryBatchSize = 10
	}
	if c.Conf.DeliveryPollSecs <= 0 {
		c.Conf.DeliveryPollSecs = 5
	}

	return c, nil
}

func applyEnvOverrides(c *AppConfig) {
	envHost := os.Getenv("WAYPOST_HOST")
	envHttpPort := os.Getenv("WAYPOST_HTTPPORT")
	envDomain := os.Getenv("WAYPOST_DOMAIN")
	envAmqpUrl := os.Getenv("WAYPOST_AMQPURL")
	envAutoAccept := os.Getenv("WAYPOST_AUTOACCEPT_FOLLOWS")
	envDbPath := os.Getenv("WAYPOST_DBPATH")

	if envHost != "" {
		c.Conf.Host = envHost
	}

	if envHttpPort != "" {
		v, err := strconv.Atoi(envHttpPort)
		if err != nil {
			log.Warn("Invalid WAYPOST_HTTPPORT", "value", envHttpPort, "err", err)
		} else {
			c.Conf.HttpPort = v
		}
	}

	if envDomain != "" {
		c.Conf.Domain = envDomain
	}

	if envAmqpUrl != "" {
		c.Conf.AmqpUrl = envAmqpUrl
	}

	if envAutoAccept == "true" {
		c.Conf.AutoAcceptFollows = true
	} else if envAutoAccept == "false" {
		c.Conf.AutoAcceptFollows = false
	}

	if envDbPath != "" {
		c.Conf.DbPath = envDbPath
	}
}
