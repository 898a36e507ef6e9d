package config

import "time"

// Defaults mirror the teacher's consts.go convention of naming every
// tunable instead of inlining magic numbers at the call site.
const (
	DefaultPoolSize            = 3
	DefaultPoolTTL             = 30 * time.Minute
	DefaultReplenishInterval   = 1 * time.Minute
	DefaultWaitForReadyPoll    = 500 * time.Millisecond
	DefaultWaitForReadyCeiling = 120 * time.Second

	DefaultSyncRetryInterval = 1 * time.Second
	DefaultSyncMaxWaitTime   = 60 * time.Second

	DefaultMaxSnapshotsPerSession = 10
	DefaultSnapshotTTL            = 24 * time.Hour

	DefaultMaxImagesPerBranch = 10
	DefaultMaxImageAge        = 14 * 24 * time.Hour

	DefaultMaxConcurrentBuilds = 2
	DefaultBuildTimeout        = 20 * time.Minute
	DefaultTestTimeout         = 10 * time.Minute
	DefaultRebuildInterval     = 30 * time.Minute

	DefaultMaxUsersPerSession = 16
	DefaultMaxQueueLength     = 100

	// DebugLogLevel is the klog verbosity used for routine chatter.
	DebugLogLevel = 5
)
