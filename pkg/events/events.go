// Package events is the typed layer over the bus: a compile-time mapping
// from event type to topic, key and payload shape, with ergonomic
// publish/subscribe variants.
//
// Topics form a closed set plus one parametric family (per-request output
// streams). Static topics derive from the event type; output-stream types
// derive their topic from the request_id header.
package events

import (
	"github.com/stanley2058/lilac/pkg/bus"
)

// Topic is a logical bus topic.
type Topic string

const (
	TopicCmdRequest  Topic = "cmd.request"
	TopicCmdWorkflow Topic = "cmd.workflow"
	TopicCmdAgent    Topic = "cmd.agent"
	TopicEvtAdapter  Topic = "evt.adapter"
	TopicEvtRequest  Topic = "evt.request"
	TopicEvtWorkflow Topic = "evt.workflow"
)

// OutputTopic returns the per-request output-stream topic.
func OutputTopic(requestID string) Topic {
	return Topic("out.req." + requestID)
}

// Correlation header keys.
const (
	HeaderRequestID     = "request_id"
	HeaderSessionID     = "session_id"
	HeaderRequestClient = "request_client"
	HeaderWorkflowID    = "workflow_id"
	HeaderAgentID       = "agent_id"
)

// Type discriminates event payload shapes.
type Type string

const (
	TypeRequestMessage   Type = "request.message"
	TypeRequestLifecycle Type = "request.lifecycle"
	TypeWorkflowDispatch Type = "workflow.dispatch"
	TypeWorkflowUpdate   Type = "workflow.update"
	TypeAgentCommand     Type = "agent.command"
	TypeAdapterMessage   Type = "adapter.message"
	TypeOutputDelta      Type = "output.delta"
	TypeOutputFinal      Type = "output.final"
	TypeOutputTool       Type = "output.tool"
	TypeOutputBinary     Type = "output.binary"
)

// DefaultOutputRetention is the recommended retention hint for output
// streams (one stream per request, trimmed approximately on write).
const DefaultOutputRetention int64 = 4096

// registration binds a type to its topic and default key derivation.
type registration struct {
	// topic is empty for output-stream types, whose topic is derived
	// from the request_id header at publish time.
	topic Topic

	outputStream bool

	// key derives the default correlation key from headers and payload.
	key func(headers map[string]string, data any) string
}

func keyFromHeader(name string) func(map[string]string, any) string {
	return func(headers map[string]string, _ any) string {
		return headers[name]
	}
}

// adapterKey keys adapter events by the source message id in the payload.
func adapterKey(_ map[string]string, data any) string {
	if m, ok := data.(map[string]any); ok {
		if id, ok := m["message_id"].(string); ok {
			return id
		}
	}
	if p, ok := data.(AdapterMessagePayload); ok {
		return p.MessageID
	}
	if p, ok := data.(*AdapterMessagePayload); ok {
		return p.MessageID
	}
	return ""
}

func workflowKey(headers map[string]string, _ any) string {
	if id := headers[HeaderWorkflowID]; id != "" {
		return id
	}
	return headers[HeaderRequestID]
}

func agentKey(headers map[string]string, _ any) string {
	if id := headers[HeaderAgentID]; id != "" {
		return id
	}
	return headers[HeaderRequestID]
}

var registry = map[Type]registration{
	TypeRequestMessage:   {topic: TopicCmdRequest, key: keyFromHeader(HeaderRequestID)},
	TypeRequestLifecycle: {topic: TopicEvtRequest, key: keyFromHeader(HeaderRequestID)},
	TypeWorkflowDispatch: {topic: TopicCmdWorkflow, key: workflowKey},
	TypeWorkflowUpdate:   {topic: TopicEvtWorkflow, key: workflowKey},
	TypeAgentCommand:     {topic: TopicCmdAgent, key: agentKey},
	TypeAdapterMessage:   {topic: TopicEvtAdapter, key: adapterKey},
	TypeOutputDelta:      {outputStream: true, key: keyFromHeader(HeaderRequestID)},
	TypeOutputFinal:      {outputStream: true, key: keyFromHeader(HeaderRequestID)},
	TypeOutputTool:       {outputStream: true, key: keyFromHeader(HeaderRequestID)},
	TypeOutputBinary:     {outputStream: true, key: keyFromHeader(HeaderRequestID)},
}

// TypesOn returns the event types valid on a static topic.
func TypesOn(topic Topic) []Type {
	var types []Type
	for t, reg := range registry {
		if reg.topic == topic {
			types = append(types, t)
		}
	}
	return types
}

// IsOutputStream reports whether the type publishes to a per-request
// output topic.
func IsOutputStream(t Type) bool {
	return registry[t].outputStream
}

// TopicFor resolves the topic for a type. Output-stream types require a
// request_id header; a missing one is a configuration error on the
// publisher's side.
func TopicFor(t Type, headers map[string]string) (Topic, error) {
	reg, ok := registry[t]
	if !ok {
		return "", ErrUnknownType(t)
	}
	if !reg.outputStream {
		return reg.topic, nil
	}
	rid := headers[HeaderRequestID]
	if rid == "" {
		return "", ErrMissingRequestID(t)
	}
	return OutputTopic(rid), nil
}

// Decode decodes an envelope's raw payload into a typed value.
func Decode[T any](e bus.Envelope) (T, error) {
	var v T
	if err := bus.DecodePayloadInto(e.Raw, &v); err != nil {
		return v, err
	}
	return v, nil
}
