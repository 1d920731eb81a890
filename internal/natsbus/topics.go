package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicEventsWorkflow(name string) string {
	return fmt.Sprintf("events.workflow.%s", name)
}

func TopicEventsSwarmID(swarmID string) string {
	return fmt.Sprintf("events.swarm.%s", swarmID)
}

// TopicAgentInput is the request/reply subject a role agent listens on.
func TopicAgentInput(role string) string {
	return fmt.Sprintf("agent.%s.input", role)
}

const (
	TopicEventsAll       = "events.>"
	TopicEventsWorkflows = "events.workflow.*"
	TopicEventsSweep     = "events.sweep"
	TopicEventsTelemetry = "events.telemetry"
	TopicEventsSwarm     = "events.swarm.*"
)
