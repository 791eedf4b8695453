// Package config locates the scraper's config file on the default search
// paths when none is given on the command line.
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

// SearchPaths are the directories checked for config.yaml, in order.
var SearchPaths = []string{
	".",
	"/etc/wikiscrape/",
	"$HOME/.wikiscrape",
}

// InitConfig reads an explicit config file into v, or the first config.yaml
// on SearchPaths. It returns the file used, or "" when none was found, which
// is not an error: defaults and environment variables still apply.
func InitConfig(v *viper.Viper, path string) (string, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, p := range SearchPaths {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("read config: %w", err)
	}
	return v.ConfigFileUsed(), nil
}
