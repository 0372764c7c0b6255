package flags

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"
)

const EnvVarPrefix = "APEXD"

func prefixEnvVar(name string) []string {
	return []string{EnvVarPrefix + "_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))}
}

var (
	Config = &cli.StringFlag{
		Name:     "config",
		Value:    "",
		Required: true,
		EnvVars:  prefixEnvVar("config"),
		Usage:    "Path to the TOML config file (eg. 'apexd.toml')",
	}
	LogLevel = &cli.StringFlag{
		Name:    "log-level",
		Value:   "",
		EnvVars: prefixEnvVar("log-level"),
		Usage:   "Log level (debug, info, warn, error). Overrides server.log_level from the config file",
	}
	Port = &cli.IntFlag{
		Name:    "port",
		Value:   0,
		EnvVars: prefixEnvVar("port"),
		Usage:   "API listen port. Overrides server.port from the config file",
	}
	RedisURL = &cli.StringFlag{
		Name:    "redis-url",
		Value:   "",
		EnvVars: prefixEnvVar("redis-url"),
		Usage:   "Redis URL for cache, run state, locks and notifications. Overrides redis.url from the config file",
	}
)

var requiredFlags = []cli.Flag{
	Config,
}

var optionalFlags = []cli.Flag{
	LogLevel,
	Port,
	RedisURL,
}

var Flags []cli.Flag

func init() {
	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
