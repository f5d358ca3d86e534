// Package config binds rheia-node's runtime settings to flags and
// RHEIA_-prefixed environment variables via viper, the way dittofs and
// kdeps both wire their cobra commands.
package config

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds the settings a rheia-node process needs to run either a
// Server, a Client, or both.
type Config struct {
	ListenAddr string
	DialAddr   string

	TargetCapacity int
	BreakerMaxFails uint64
	BreakerResetMs  int64

	LogLevel string
}

// Defaults returns a Config populated with the module's documented
// defaults (target capacity 4, 8 failures before tripping, 30s reset).
func Defaults() Config {
	return Config{
		TargetCapacity:  4,
		BreakerMaxFails: 8,
		BreakerResetMs:  30_000,
		LogLevel:        "info",
	}
}

// BindFlags registers the shared flag set on cmd and binds each flag to a
// viper key under RHEIA_ environment override on v, so callers can Load(v)
// after cobra parses args.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.PersistentFlags()
	d := Defaults()

	flags.String("listen", "", "address to accept connections on (serve)")
	flags.String("dial", "", "remote address to connect to (dial)")
	flags.Int("target-capacity", d.TargetCapacity, "target outbound pool size")
	flags.Uint64("breaker-max-fails", d.BreakerMaxFails, "failures tolerated before the breaker opens")
	flags.Int64("breaker-reset-ms", d.BreakerResetMs, "cooldown before a tripped breaker half-opens")
	flags.String("log-level", d.LogLevel, "log level: debug, info, warn, error")

	v.SetEnvPrefix("RHEIA")
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)
}

// Load reads the bound values out of v into a Config.
func Load(v *viper.Viper) (Config, error) {
	cfg := Defaults()
	cfg.ListenAddr = v.GetString("listen")
	cfg.DialAddr = v.GetString("dial")
	cfg.TargetCapacity = v.GetInt("target-capacity")
	cfg.BreakerMaxFails = v.GetUint64("breaker-max-fails")
	cfg.BreakerResetMs = v.GetInt64("breaker-reset-ms")
	cfg.LogLevel = v.GetString("log-level")

	if cfg.TargetCapacity <= 0 {
		return Config{}, fmt.Errorf("config: target-capacity must be positive, got %d", cfg.TargetCapacity)
	}
	if cfg.BreakerMaxFails == 0 {
		return Config{}, fmt.Errorf("config: breaker-max-fails must be positive")
	}
	if cfg.BreakerResetMs <= 0 {
		return Config{}, fmt.Errorf("config: breaker-reset-ms must be positive, got %d", cfg.BreakerResetMs)
	}
	return cfg, nil
}
