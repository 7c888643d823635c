package taskname

const (
	// Batch reconciliation tasks
	BatchRun      = "engagement:batch:run"
	BatchSchedule = "engagement:batch:schedule"
	BatchReap     = "engagement:batch:reap"

	// Interaction lock housekeeping
	LocksPrune = "engagement:locks:prune"

	// Maintenance
	MaintenanceApply = "engagement:maintenance:apply"
)

// Queues
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)
