package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// UseMasterDBKey is the context key for the "use_master" boolean value.
	// It signals the database layer that reads must go to the write pool.
	// Classification relies on it: the duplicate check has to observe links
	// inserted moments earlier in the same run.
	UseMasterDBKey = ContextKey("use_master")

	// RunIDKey carries the identifier of the current batch run for logging.
	RunIDKey = ContextKey("run_id")
)
