package config

// Constants defining default values for broker configuration
const (
	DefaultFeedsPath    = "./feeds.yaml"
	DefaultCursorDBPath = "./cursors.db"

	DefaultServerPort = 3000
	DefaultServerHost = "" // Empty string means all interfaces

	DefaultPollIntervalMS  = 500   // Live-edge cadence while items flow
	DefaultSleepIntervalMS = 20000 // Live-edge cadence when the feed is quiet

	DefaultListenerTimeoutS = 60 // Default wait for listener collection

	DefaultUserAgent = "openactive-broker/1.0"

	DefaultLogLevel = "debug"
)
