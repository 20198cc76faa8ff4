package controllers

import (
	"encoding/json"

	"github.com/rzbill/correlator/internal/partition"
	"github.com/rzbill/correlator/internal/protocol"
)

// publishReq represents a request to publish a message.
type publishReq struct {
	TenantID       string          `json:"tenantId"`
	Name           string          `json:"name"`
	CorrelationKey string          `json:"correlationKey"`
	Variables      json.RawMessage `json:"variables,omitempty"`
	// TimeToLive in milliseconds; omitted means the configured default.
	TimeToLive *int64 `json:"timeToLive,omitempty"`
	MessageID  string `json:"messageId,omitempty"`
}

func (r publishReq) record(defaultTTLMs int64) protocol.MessageRecord {
	ttl := defaultTTLMs
	if r.TimeToLive != nil {
		ttl = *r.TimeToLive
	}
	return protocol.MessageRecord{
		TenantID:       r.TenantID,
		Name:           r.Name,
		CorrelationKey: r.CorrelationKey,
		Variables:      r.Variables,
		TimeToLive:     ttl,
		MessageID:      r.MessageID,
	}
}

type statsResp struct {
	Partitions []partition.Stats `json:"partitions"`
	Total      partition.Stats   `json:"total"`
}

type logEntryJSON struct {
	Seq     uint64           `json:"seq"`
	Type    string           `json:"type"`
	Command protocol.Command `json:"command"`
}

type logResp struct {
	Partition int32          `json:"partition"`
	Entries   []logEntryJSON `json:"entries"`
	// Next is the resume token, empty at the end of the log.
	Next string `json:"next,omitempty"`
}
