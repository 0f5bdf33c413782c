package config

// Error reports an invalid or missing hyperparameter. It is always fatal and
// is raised before any training step runs.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return "configuration error: " + e.Field + ": " + e.Reason
}
