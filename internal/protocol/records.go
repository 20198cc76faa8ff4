package protocol

import (
	"encoding/json"
	"math"
)

// DefaultTenantID is used when a record carries no tenant.
const DefaultTenantID = "<default>"

// MessageRecord is a published message. Once stored it is immutable.
type MessageRecord struct {
	Key            int64           `json:"key"`
	TenantID       string          `json:"tenantId"`
	Name           string          `json:"name"`
	CorrelationKey string          `json:"correlationKey"`
	Variables      json.RawMessage `json:"variables,omitempty"`
	// TimeToLive in milliseconds. Zero means the message is only matched at
	// publish time and expires on the next expiry pass.
	TimeToLive int64  `json:"timeToLive"`
	Deadline   int64  `json:"deadline"`
	MessageID  string `json:"messageId,omitempty"`
}

// DeadlineFrom returns the expiry time of a message published at now. It
// saturates at math.MaxInt64 instead of wrapping for very long lives.
func (m MessageRecord) DeadlineFrom(now int64) int64 {
	if now > 0 && m.TimeToLive > math.MaxInt64-now {
		return math.MaxInt64
	}
	return now + m.TimeToLive
}

// MessageSubscriptionRecord is the message-partition side of a subscription
// opened by a waiting element instance.
type MessageSubscriptionRecord struct {
	ProcessInstanceKey int64           `json:"processInstanceKey"`
	ElementInstanceKey int64           `json:"elementInstanceKey"`
	BpmnProcessID      string          `json:"bpmnProcessId"`
	MessageName        string          `json:"messageName"`
	CorrelationKey     string          `json:"correlationKey"`
	TenantID           string          `json:"tenantId"`
	Interrupting       bool            `json:"interrupting"`
	Correlating        bool            `json:"correlating"`
	MessageKey         int64           `json:"messageKey,omitempty"`
	Variables          json.RawMessage `json:"variables,omitempty"`
}

// ProcessSubscriptionState is the lifecycle state of a process-side subscription.
type ProcessSubscriptionState string

const (
	StateOpening ProcessSubscriptionState = "OPENING"
	StateOpened  ProcessSubscriptionState = "OPENED"
	StateClosing ProcessSubscriptionState = "CLOSING"
)

// ProcessMessageSubscriptionRecord is the process-partition side of a
// subscription.
type ProcessMessageSubscriptionRecord struct {
	ProcessInstanceKey      int64                    `json:"processInstanceKey"`
	ElementInstanceKey      int64                    `json:"elementInstanceKey"`
	BpmnProcessID           string                   `json:"bpmnProcessId"`
	ElementID               string                   `json:"elementId"`
	MessageName             string                   `json:"messageName"`
	CorrelationKey          string                   `json:"correlationKey"`
	TenantID                string                   `json:"tenantId"`
	Interrupting            bool                     `json:"interrupting"`
	SubscriptionPartitionID int32                    `json:"subscriptionPartitionId"`
	State                   ProcessSubscriptionState `json:"state"`
	// MessageKey is the last message correlated to this subscription.
	MessageKey int64           `json:"messageKey,omitempty"`
	Variables  json.RawMessage `json:"variables,omitempty"`

	// Expressions are only set on the open command and evaluated against
	// Variables when the subscription is created.
	MessageNameExpression    string `json:"messageNameExpression,omitempty"`
	CorrelationKeyExpression string `json:"correlationKeyExpression,omitempty"`
}

// MessageStartEventSubscriptionRecord registers a message start event of a
// deployed process definition.
type MessageStartEventSubscriptionRecord struct {
	TenantID             string `json:"tenantId"`
	MessageName          string `json:"messageName"`
	ProcessDefinitionKey int64  `json:"processDefinitionKey"`
	BpmnProcessID        string `json:"bpmnProcessId"`
	StartEventID         string `json:"startEventId"`
}

// ProcessInstanceRecord identifies a process instance reported by the engine.
type ProcessInstanceRecord struct {
	ProcessInstanceKey int64  `json:"processInstanceKey"`
	BpmnProcessID      string `json:"bpmnProcessId,omitempty"`
	TenantID           string `json:"tenantId,omitempty"`
}

// RequestData identifies the client request that published a message.
type RequestData struct {
	RequestID       int64 `json:"requestId"`
	RequestStreamID int32 `json:"requestStreamId"`
}
