package vault

import "sync"

// Ensure Reporter implements ProgressReporter.
var _ ProgressReporter = (*Reporter)(nil)

// Reporter is a ready-made thread-safe ProgressReporter for embedding UIs:
// operations push updates, the UI polls the getters (or hooks updateFn to
// trigger a redraw).
type Reporter struct {
	mu           sync.RWMutex
	status       string
	progress     float32
	progressInfo string
	updateFn     func() // called after every update to trigger a UI refresh
}

// NewReporter creates a reporter. updateFn may be nil.
func NewReporter(updateFn func()) *Reporter {
	return &Reporter{
		status:   "Ready",
		updateFn: updateFn,
	}
}

// SetStatus implements ProgressReporter.
func (r *Reporter) SetStatus(text string) {
	r.mu.Lock()
	r.status = text
	r.mu.Unlock()
	if r.updateFn != nil {
		r.updateFn()
	}
}

// SetProgress implements ProgressReporter.
func (r *Reporter) SetProgress(fraction float32, info string) {
	r.mu.Lock()
	r.progress = fraction
	r.progressInfo = info
	r.mu.Unlock()
	if r.updateFn != nil {
		r.updateFn()
	}
}

// Status returns the current status text.
func (r *Reporter) Status() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Progress returns the current progress fraction and info text.
func (r *Reporter) Progress() (float32, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.progress, r.progressInfo
}

// Reset restores the idle state.
func (r *Reporter) Reset() {
	r.mu.Lock()
	r.status = "Ready"
	r.progress = 0
	r.progressInfo = ""
	r.mu.Unlock()
}
