package errors

// Convenience functions for common error patterns

// Caller-facing orchestration errors

func ProfileNotFound(name string) *BuildError {
	return New(CategoryNotFound, "build profile not found").
		WithContext("profile", name)
}

func AlreadyBusy(name string, status string) *BuildError {
	return New(CategoryAlreadyBusy, "build already queued or running").
		WithContext("profile", name).
		WithContext("status", status)
}

func NotRunning(name string, status string) *BuildError {
	return New(CategoryNotRunning, "no running build for profile").
		WithContext("profile", name).
		WithContext("status", status)
}

func ValidationFailed(field, reason string) *BuildError {
	return New(CategoryValidation, "validation failed").
		WithContext("field", field).
		WithContext("reason", reason)
}

// Run-level and infrastructure errors

func SpawnFailure(name string, cause error) *BuildError {
	return Wrap(cause, CategorySpawn, "build command could not be launched").
		WithContext("profile", name)
}

func PersistenceFailure(operation string, cause error) *BuildError {
	return Wrap(cause, CategoryPersistence, "durable state write failed").
		WithContext("operation", operation)
}

func ConfigError(message string, cause error) *BuildError {
	e := Wrap(cause, CategoryConfig, message)
	e.Severity = SeverityFatal
	return e
}
