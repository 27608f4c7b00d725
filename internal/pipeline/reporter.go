package pipeline

// ProgressReporter provides callbacks for UI updates during long-running
// operations. Implementations must be thread-safe as methods may be called
// from goroutines.
type ProgressReporter interface {
	SetStatus(text string)                     // Update status message (e.g., "Importing...")
	SetProgress(fraction float32, info string) // Update progress bar (0.0-1.0) and info text
}

// NopReporter discards all progress updates. Used when the caller runs
// headless.
type NopReporter struct{}

// SetStatus implements ProgressReporter.
func (NopReporter) SetStatus(string) {}

// SetProgress implements ProgressReporter.
func (NopReporter) SetProgress(float32, string) {}
