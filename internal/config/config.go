// Package config loads and validates the orchestrator's TOML
// configuration: provider mapping, watchdog timeouts, and lock timeouts.
package config

import "fmt"

// Config is the top-level configuration structure mapping to jeeves.toml.
type Config struct {
	Providers map[string]ProviderConfig `toml:"providers"`
	Timeouts  TimeoutConfig             `toml:"timeouts"`
	Locks     LockConfig                `toml:"locks"`
}

// ProviderConfig maps to a [providers.<name>] section in jeeves.toml.
type ProviderConfig struct {
	Command        string `toml:"command"`
	Model          string `toml:"model"`
	PermissionMode string `toml:"permission_mode"`
}

// TimeoutConfig maps to the [timeouts] section in jeeves.toml. All values
// are in the unit named by the field (seconds or milliseconds).
type TimeoutConfig struct {
	IterationTimeoutSec   int `toml:"iteration_timeout_sec"`
	InactivityTimeoutSec  int `toml:"inactivity_timeout_sec"`
	WatchdogPollIntervalMs int `toml:"watchdog_poll_interval_ms"`
}

// LockConfig maps to the [locks] section in jeeves.toml.
type LockConfig struct {
	ProviderOperationLockTimeoutMs int `toml:"provider_operation_lock_timeout_ms"`
	CredentialSemaphoreTimeoutMs   int `toml:"credential_semaphore_timeout_ms"`
}

// Validate checks the config for structural errors that should fail fast
// before a run ever starts.
func (c *Config) Validate() error {
	if c.Timeouts.IterationTimeoutSec <= 0 {
		return fmt.Errorf("config: timeouts.iteration_timeout_sec must be positive")
	}
	if c.Timeouts.InactivityTimeoutSec <= 0 {
		return fmt.Errorf("config: timeouts.inactivity_timeout_sec must be positive")
	}
	if c.Timeouts.WatchdogPollIntervalMs <= 0 {
		return fmt.Errorf("config: timeouts.watchdog_poll_interval_ms must be positive")
	}
	if c.Locks.ProviderOperationLockTimeoutMs <= 0 {
		return fmt.Errorf("config: locks.provider_operation_lock_timeout_ms must be positive")
	}
	if c.Locks.CredentialSemaphoreTimeoutMs <= 0 {
		return fmt.Errorf("config: locks.credential_semaphore_timeout_ms must be positive")
	}
	for name, pc := range c.Providers {
		if pc.Command == "" {
			return fmt.Errorf("config: providers.%s.command must not be empty", name)
		}
	}
	return nil
}
