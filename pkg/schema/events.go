package schema

// Event types appended to the audit log. Execution-level events carry no
// node ID; step-level events always do.
const (
	EventExecutionStarted   = "execution.started"
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"

	EventStepStarted   = "step.started"
	EventStepCompleted = "step.completed"
	EventStepFailed    = "step.failed"
	EventStepRetrying  = "step.retrying"

	EventCircuitOpened = "circuit.opened"
	EventCircuitClosed = "circuit.closed"

	EventVariantAssigned = "variant.assigned"

	EventJobDeadLettered = "job.dead_lettered"
)
