// Package constants contains application-wide constants to avoid magic numbers and strings.
package constants

import "time"

// Application defaults
const (
	DefaultPort         = "8080"
	DefaultDBPath       = "gips.db"
	DefaultArchiveDir   = "/var/lib/gips/archive"
	DefaultQueueBackend = QueueBackendLocal
	DefaultTickInterval = 60 * time.Second
	DefaultHTTPTimeout  = 5 * time.Minute
)

// Scheduler tuning
const (
	// DefaultFetchBatch bounds how many requested assets one scheduler pass
	// may claim for a single driver.
	DefaultFetchBatch = 500

	// DefaultPerJob is how many items go into one task-queue submission.
	DefaultPerJob = 10

	// DefaultChunkSize is how many tiles one export chunk covers.
	DefaultChunkSize = 4

	// DefaultMaxRetries is the retry budget before an item is failed for good.
	DefaultMaxRetries = 3

	DefaultLocalWorkers = 2
)

// HTTP retry behavior for provider downloads
const (
	DefaultRetryCount = 3
	DefaultRetryBase  = 1 * time.Second
)

// Task queue backends
const (
	QueueBackendLocal  = "local"
	QueueBackendTorque = "torque"
)

// Torque commands
const (
	TorqueSubmitCmd = "qsub"
	TorqueStatusCmd = "qstat"

	// WorkerCommand is what batch scripts invoke for each work tuple.
	WorkerCommand = "gips-worker"
)

// Archive layout
const (
	TilesDir   = "tiles"
	StageDir   = "stage"
	DateLayout = "2006-01-02"
)

// File Permissions
const (
	DirPermissions  = 0755
	FilePermissions = 0644
)
