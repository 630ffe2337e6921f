package config

// DefaultAddr is the default listen address for the WebSocket server.
const DefaultAddr = "127.0.0.1:7171"

// DefaultCLICommand is the assistant CLI supervised by the host.
const DefaultCLICommand = "claude"

// DefaultStallThresholdSeconds is the silence window before a stall alert.
const DefaultStallThresholdSeconds = 120

// DefaultDeviceSilenceSeconds is the silence window before a device is
// evicted from session active sets.
const DefaultDeviceSilenceSeconds = 300

// DefaultMessageTTLSeconds is the default queued-message time-to-live.
const DefaultMessageTTLSeconds = 3600

// DefaultPushByteLimit is the hard push payload ceiling in bytes.
const DefaultPushByteLimit = 4096

// DefaultDedupWindowMillis is the duplicate-detection window.
const DefaultDedupWindowMillis = 5000
