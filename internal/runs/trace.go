package runs

import "github.com/google/uuid"

// Trace is the tagged union the Reconciliation Engine's Upsert accepts: a
// brand-new Run ready to persist, or a partial Patch describing an update.
// Exactly one of Create/Update is non-nil. Both the OTLP translator and the
// batch translator construct this directly so the engine stays agnostic to
// which ingress path produced it (§4.2, §4.3 both feed §4.4).
type Trace struct {
	ID     uuid.UUID
	Create *Run
	Update *Patch
}
