package config

// NewDefaults returns a Config populated with the built-in defaults:
// 3600s iteration timeout, 600s inactivity timeout, 150ms watchdog poll
// interval, 30s provider-operation-lock timeout, 1.5s credential-semaphore
// timeout.
func NewDefaults() *Config {
	return &Config{
		Providers: map[string]ProviderConfig{
			"claude": {Command: "claude-runner", PermissionMode: "default"},
			"codex":  {Command: "codex-runner", PermissionMode: "default"},
			"fake":   {Command: "fake-runner", PermissionMode: "default"},
		},
		Timeouts: TimeoutConfig{
			IterationTimeoutSec:    3600,
			InactivityTimeoutSec:   600,
			WatchdogPollIntervalMs: 150,
		},
		Locks: LockConfig{
			ProviderOperationLockTimeoutMs: 30_000,
			CredentialSemaphoreTimeoutMs:   1_500,
		},
	}
}
