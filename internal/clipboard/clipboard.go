// Package clipboard wraps the system clipboard behind the session layer's
// writer interface.
package clipboard

import (
	"github.com/atotto/clipboard"

	"glimpse/internal/logging"
)

// Writer copies text to the OS clipboard.
type Writer struct{}

// New returns a system clipboard writer.
func New() *Writer { return &Writer{} }

// Write copies text and reports whether it landed. Failures are logged,
// not surfaced; a failed copy is not worth an error state.
func (w *Writer) Write(text string) bool {
	if err := clipboard.WriteAll(text); err != nil {
		logging.Get(logging.CategoryPanel).Warn("clipboard write failed: %v", err)
		return false
	}
	return true
}
