package main

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "PORTAL_GATEWAY"

// bindConfig fills every flag that was not given on the command line from
// the environment (PORTAL_GATEWAY_LOG_LEVEL for --log-level) or, failing
// that, from the YAML file at configFile.
func bindConfig(flags *pflag.FlagSet, configFile string) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Changed || f.Name == "config" || !v.IsSet(f.Name) {
			return
		}
		if serr := setFlag(f, v.Get(f.Name)); serr != nil {
			err = fmt.Errorf("invalid value for --%s: %w", f.Name, serr)
		}
	})
	return err
}

func setFlag(f *pflag.Flag, raw interface{}) error {
	sv, isSlice := f.Value.(pflag.SliceValue)
	if !isSlice {
		return f.Value.Set(fmt.Sprint(raw))
	}

	var vals []string
	switch x := raw.(type) {
	case []interface{}:
		for _, e := range x {
			vals = append(vals, fmt.Sprint(e))
		}
	case []string:
		vals = x
	default:
		for _, e := range strings.Split(fmt.Sprint(x), ",") {
			if e = strings.TrimSpace(e); e != "" {
				vals = append(vals, e)
			}
		}
	}
	return sv.Replace(vals)
}
