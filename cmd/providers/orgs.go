package providers

import (
	"github.com/spf13/viper"
	"go.od2.network/orgqueue/pkg/orgconfig"
	"go.uber.org/zap"
)

// Org config keys.
const (
	ConfOrgsConfigFile = "orgs.config_file"
)

func init() {
	viper.SetDefault(ConfOrgsConfigFile, "")
}

func NewOrgConfig(log *zap.Logger) (*orgconfig.Config, error) {
	configFilePath := viper.GetString(ConfOrgsConfigFile)
	if configFilePath == "" {
		log.Fatal("Missing var " + ConfOrgsConfigFile)
	}
	config, err := orgconfig.LoadFile(configFilePath)
	if err != nil {
		return nil, err
	}
	log.Info("Loaded org config",
		zap.String(ConfOrgsConfigFile, configFilePath),
		zap.Int64s("orgs", config.OrgIDs()))
	return config, nil
}

func NewOrgProvider(config *orgconfig.Config) orgconfig.Provider {
	return config
}
