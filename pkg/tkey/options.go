package tkey

import (
	"go.uber.org/zap"
)

// Config groups the settings of a ThresholdKey.
type Config struct {
	// ManualSync keeps every write as a local transition until SyncLocalMetadataTransitions.
	ManualSync bool
	// EnableLogging routes engine logs to the configured logger. When false the logger is discarded.
	EnableLogging bool
}

// Option configures a ThresholdKey.
type Option func(*ThresholdKey)

// WithLogger sets the logger and enables logging.
func WithLogger(logger *zap.Logger) Option {
	return func(t *ThresholdKey) {
		if logger != nil {
			t.logger = logger
			t.config.EnableLogging = true
		}
	}
}

// WithManualSync enables manual sync mode.
func WithManualSync(enabled bool) Option {
	return func(t *ThresholdKey) {
		t.config.ManualSync = enabled
	}
}

// WithConfig merges config into the configuration. ManualSync is taken from config;
// logging stays enabled if an earlier option enabled it.
func WithConfig(config Config) Option {
	return func(t *ThresholdKey) {
		t.config.ManualSync = config.ManualSync
		t.config.EnableLogging = t.config.EnableLogging || config.EnableLogging
	}
}

// WithModules registers modules, in order.
func WithModules(modules ...Module) Option {
	return func(t *ThresholdKey) {
		t.pendingModules = append(t.pendingModules, modules...)
	}
}

// WithDeviceStorage sets the callback receiving the device share of a new key.
func WithDeviceStorage(fn DeviceStorage) Option {
	return func(t *ThresholdKey) {
		t.deviceStorage = fn
	}
}
