package controllers

import (
	"context"

	"github.com/rzbill/correlator/internal/commandlog"
	"github.com/rzbill/correlator/internal/partition"
	"github.com/rzbill/correlator/internal/protocol"
)

// Engine is the correlation engine surface served over HTTP. It is
// implemented by *partition.Cluster.
type Engine interface {
	Err() error
	Count() int32
	Publish(ctx context.Context, msg protocol.MessageRecord) (protocol.PublishResponse, error)
	Submit(ctx context.Context, cmd protocol.Command) error
	Stats() ([]partition.Stats, partition.Stats, error)
	IsCorrelationKeyActive(tenantID, bpmnProcessID, correlationKey string) (bool, error)
	ExistsSubscriptionForElement(elementInstanceKey int64) (bool, error)
	ReadLog(partitionID int32, opts commandlog.ReadOptions) ([]commandlog.Entry, commandlog.Token, error)
}

var _ Engine = (*partition.Cluster)(nil)
