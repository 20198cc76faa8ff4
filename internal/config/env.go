package config

import (
	"os"
	"strconv"
)

// EnvPrefix prefixes every environment variable read by FromEnv.
const EnvPrefix = "CORRELATOR_"

// FromEnv overlays CORRELATOR_* environment variables onto cfg. Values that
// do not parse are ignored.
func FromEnv(cfg *Config) {
	envString("DATA_DIR", &cfg.DataDir)
	envInt32("PARTITION_COUNT", &cfg.PartitionCount)
	envString("FSYNC", &cfg.Fsync)
	envInt64("FSYNC_INTERVAL_MS", &cfg.FsyncIntervalMs)
	envString("GRPC_ADDR", &cfg.GRPCAddr)
	envString("HTTP_ADDR", &cfg.HTTPAddr)

	envString("LOG_LEVEL", &cfg.Log.Level)
	envString("LOG_FORMAT", &cfg.Log.Format)
	envString("LOG_OUTPUT", &cfg.Log.Output)

	envInt64("EXPIRY_CHECK_INTERVAL_MS", &cfg.Correlation.ExpiryCheckIntervalMs)
	if v, ok := lookup("EXPIRY_BATCH_LIMIT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Correlation.ExpiryBatchLimit = n
		}
	}
	envInt64("PENDING_RETRY_INTERVAL_MS", &cfg.Correlation.PendingRetryIntervalMs)
	envInt64("PENDING_CHECK_INTERVAL_MS", &cfg.Correlation.PendingCheckIntervalMs)
	envInt64("DEFAULT_TTL_MS", &cfg.Correlation.DefaultTTLMs)

	if v, ok := lookup("COMMAND_LOG_RETAIN_APPLIED"); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.CommandLog.RetainApplied = n
		}
	}
}

func lookup(name string) (string, bool) {
	v := os.Getenv(EnvPrefix + name)
	return v, v != ""
}

func envString(name string, dst *string) {
	if v, ok := lookup(name); ok {
		*dst = v
	}
}

func envInt64(name string, dst *int64) {
	if v, ok := lookup(name); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envInt32(name string, dst *int32) {
	if v, ok := lookup(name); ok {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}
