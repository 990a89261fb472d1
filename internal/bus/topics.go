package bus

// Task event topics. TopicTaskStopped carries orchestrator stop notifications
// into the event-sync reconciler regardless of whether they arrived over the
// webhook or the orchestrator's websocket stream.
const (
	TopicTaskStopped = "task.stopped"
)

// Agent lifecycle topics.
const (
	TopicAgentCreated     = "agent.created"
	TopicAgentStarted     = "agent.started"
	TopicAgentRemoved     = "agent.removed"
	TopicAgentDeactivated = "agent.deactivated"
)

// TaskStoppedEvent is published when the orchestration authority reports a
// task has left the RUNNING state.
type TaskStoppedEvent struct {
	TaskRef    string // Orchestrator task reference (e.g. task ARN or container ID)
	LastStatus string // Status reported by the orchestrator
}

// AgentLifecycleEvent is published on agent create/start/remove transitions.
type AgentLifecycleEvent struct {
	AgentID string
	Owner   string
	TaskRef string // set on started events
	Reason  string // e.g. "api", "identity_steal", "removal_sweep"
}
