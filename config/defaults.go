package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, the settings file, and environment variables.

const (
	// DefaultSettingsFile is read when --settings is not given.
	DefaultSettingsFile = "ps_settings.yaml"

	// EnvPrefix namespaces every environment override.
	EnvPrefix = "PACKETSENDER_"

	// DefaultDelayAfterConnect is the pause applied between connect and
	// write when delayAfterConnectCheck is set.
	DefaultDelayAfterConnect = 500 * time.Millisecond

	// DefaultResponseTimeout bounds how long a worker waits for a reply
	// after writing.
	DefaultResponseTimeout = 1 * time.Second

	// DefaultReceiveBeforeSendTimeout bounds the read attempted before
	// sending when attemptReceiveCheck is set.
	DefaultReceiveBeforeSendTimeout = 500 * time.Millisecond

	// DefaultConnectTimeout is the TCP/TLS connect timeout.
	DefaultConnectTimeout = 5 * time.Second

	// DefaultSessionRetries is how many times a persistent session tries
	// to connect before giving up.
	DefaultSessionRetries = 3

	// DefaultReplyBurst is the token-bucket burst for auto replies when
	// a reply rate limit is configured.
	DefaultReplyBurst = 1

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultStatusTimeout is how long a status message stays visible.
	DefaultStatusTimeout = 3 * time.Second
)
