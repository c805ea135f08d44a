package main

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/aiagentinc/edgeplane"
)

const envPrefix = "EDGEPLANE"

// loadConfig reads the optional YAML file, overlays EDGEPLANE_* variables
// and applies defaults. Nested keys map to variables by replacing dots with
// underscores: cache.origin_url is EDGEPLANE_CACHE_ORIGIN_URL.
func loadConfig(path string) (edgeplane.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v, "", reflect.TypeOf(edgeplane.Config{}))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return edgeplane.Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("edgeplane")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return edgeplane.Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg edgeplane.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return edgeplane.Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.SetDefaults()
	return cfg, nil
}

// bindEnv registers every leaf key so Unmarshal sees variables for keys the
// file does not mention.
func bindEnv(v *viper.Viper, prefix string, t reflect.Type) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := strings.Split(f.Tag.Get("mapstructure"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if f.Type.Kind() == reflect.Struct {
			bindEnv(v, key, f.Type)
			continue
		}
		v.BindEnv(key) //nolint:errcheck
	}
}
