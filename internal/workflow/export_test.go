package workflow

import "time"

// SetNow replaces the engine clock.
func (e *Engine) SetNow(now func() time.Time) { e.now = now }
