package indexer

import "github.com/hyperjump/shiori/internal/models"

// Event describes one document status transition.
type Event struct {
	DocumentID string
	From       models.DocumentStatus
	To         models.DocumentStatus
	// Fragments is set when To is processed.
	Fragments int
	// Err is set when To is failed.
	Err error
	// Deleted is set when the document was removed rather than transitioned.
	Deleted bool
}

// Observer receives document events. Calls are synchronous and must not block.
type Observer interface {
	DocumentChanged(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// DocumentChanged calls f(e).
func (f ObserverFunc) DocumentChanged(e Event) { f(e) }
