package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/rzbill/correlator/pkg/id"
)

// CommandType names a command applied by a partition.
type CommandType string

const (
	// Engine and client commands.
	CommandPublishMessage            CommandType = "PUBLISH_MESSAGE"
	CommandOpenProcessSubscription   CommandType = "OPEN_PROCESS_SUBSCRIPTION"
	CommandCloseProcessSubscription  CommandType = "CLOSE_PROCESS_SUBSCRIPTION"
	CommandDeployStartEvent          CommandType = "DEPLOY_START_EVENT"
	CommandUndeployProcessDefinition CommandType = "UNDEPLOY_PROCESS_DEFINITION"
	CommandProcessInstanceEnded      CommandType = "PROCESS_INSTANCE_ENDED"

	// Handshake between the process partition and the message partition.
	CommandOpenMessageSubscription      CommandType = "OPEN_MESSAGE_SUBSCRIPTION"
	CommandCloseMessageSubscription     CommandType = "CLOSE_MESSAGE_SUBSCRIPTION"
	CommandProcessSubscriptionOpened    CommandType = "PROCESS_SUBSCRIPTION_OPENED"
	CommandProcessSubscriptionClosed    CommandType = "PROCESS_SUBSCRIPTION_CLOSED"
	CommandCorrelateProcessSubscription CommandType = "CORRELATE_PROCESS_SUBSCRIPTION"
	CommandAcknowledgeCorrelation       CommandType = "ACKNOWLEDGE_CORRELATION"
	CommandRejectCorrelation            CommandType = "REJECT_CORRELATION"

	// Scheduled by the partition itself.
	CommandExpireMessages CommandType = "EXPIRE_MESSAGES"
	CommandRetryPending   CommandType = "RETRY_PENDING"
)

// ErrInvalidCommand is returned by Validate.
var ErrInvalidCommand = errors.New("protocol: invalid command")

// Command is the unit appended to a partition's command log. Exactly the
// payload matching Type is set.
type Command struct {
	Type CommandType `json:"type"`
	// Timestamp is assigned when the command is appended and drives the
	// logical clock while it is applied.
	Timestamp int64        `json:"timestamp"`
	Request   *RequestData `json:"request,omitempty"`

	Message             *MessageRecord                       `json:"message,omitempty"`
	MessageSubscription *MessageSubscriptionRecord           `json:"messageSubscription,omitempty"`
	ProcessSubscription *ProcessMessageSubscriptionRecord    `json:"processSubscription,omitempty"`
	StartEvent          *MessageStartEventSubscriptionRecord `json:"startEvent,omitempty"`
	ProcessInstance     *ProcessInstanceRecord               `json:"processInstance,omitempty"`
}

// Validate checks that the payload required by Type is present.
func (c Command) Validate() error {
	missing := func(what string) error {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidCommand, c.Type, what)
	}
	switch c.Type {
	case CommandPublishMessage:
		if c.Message == nil {
			return missing("message")
		}
		if c.Message.Name == "" {
			return fmt.Errorf("%w: message name is empty", ErrInvalidCommand)
		}
		if c.Message.TimeToLive < 0 {
			return fmt.Errorf("%w: negative time to live", ErrInvalidCommand)
		}
	case CommandOpenProcessSubscription, CommandCloseProcessSubscription,
		CommandProcessSubscriptionOpened, CommandProcessSubscriptionClosed,
		CommandCorrelateProcessSubscription:
		if c.ProcessSubscription == nil {
			return missing("processSubscription")
		}
	case CommandOpenMessageSubscription, CommandCloseMessageSubscription,
		CommandAcknowledgeCorrelation, CommandRejectCorrelation:
		if c.MessageSubscription == nil {
			return missing("messageSubscription")
		}
	case CommandDeployStartEvent, CommandUndeployProcessDefinition:
		if c.StartEvent == nil {
			return missing("startEvent")
		}
	case CommandProcessInstanceEnded:
		if c.ProcessInstance == nil {
			return missing("processInstance")
		}
	case CommandExpireMessages, CommandRetryPending:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, c.Type)
	}
	return nil
}

// Encode serializes a command for the command log.
func Encode(c Command) ([]byte, error) {
	return json.Marshal(c)
}

// Decode parses a command written by Encode.
func Decode(b []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(b, &c); err != nil {
		return Command{}, fmt.Errorf("protocol: decode command: %w", err)
	}
	return c, nil
}

// SubscriptionPartitionID returns the partition owning messages and message
// subscriptions for a correlation key. Partition ids start at 1.
func SubscriptionPartitionID(correlationKey string, partitionCount int32) int32 {
	if partitionCount <= 1 {
		return 1
	}
	return int32(xxhash.Sum64String(correlationKey)%uint64(partitionCount)) + 1
}

// ProcessPartitionID returns the partition owning a process instance: the one
// that issued its key. Keys from outside the partition range belong to
// partition 1.
func ProcessPartitionID(processInstanceKey int64, partitionCount int32) int32 {
	p := id.PartitionOf(processInstanceKey)
	if p < 1 || p > partitionCount {
		return 1
	}
	return p
}
