package domain

const (
	DefaultDynamicTTLSeconds    = 120
	DefaultMaxDynamicTools      = 100
	DefaultSweepIntervalSeconds = 60

	DefaultPoolSize                  = 10
	DefaultPoolWarm                  = 2
	DefaultPoolAcquireTimeoutSeconds = 30

	DefaultRunTimeoutSeconds  = 30
	DefaultMemoryCeilingBytes = 256 * 1024 * 1024
	DefaultStackDepthCeiling  = 128

	DefaultDryRunTimeoutSeconds = 5
	DefaultMaxRepairAttempts    = 3

	DefaultPlannerTimeoutSeconds = 120

	DefaultMaxCandidates   = 5
	DefaultCoarseShortlist = 12
	DefaultEmbedDimension  = 384

	DefaultMetricsListenAddress = "0.0.0.0:9090"
	DefaultLogLevel             = "info"
)

// Similarity thresholds for the fallback search. The fast-path threshold
// gates whether orchestration is attempted at all; the cluster threshold
// collapses near-duplicate candidates before truncation.
const (
	DefaultFastPathThreshold = 0.75
	DefaultClusterThreshold  = 0.92
)
