package partition

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rzbill/correlator/internal/commandlog"
	"github.com/rzbill/correlator/internal/protocol"
	"github.com/rzbill/correlator/pkg/log"
)

// Cluster hosts every partition of a node and routes commands between them.
// Messages and message subscriptions live on the partition picked by the
// correlation key; process subscriptions and exclusivity bookkeeping live
// on the partition that issued the process instance key.
type Cluster struct {
	parts  []*Partition
	logger log.Logger
}

var _ Router = (*Cluster)(nil)

// OpenCluster opens count partitions under dataDir/partition-{id}. The
// template's ID, Count, DataDir and Router are set per partition.
func OpenCluster(dataDir string, count int32, template Options) (*Cluster, error) {
	if count < 1 {
		return nil, fmt.Errorf("partition: partition count must be positive, got %d", count)
	}
	template.setDefaults()
	c := &Cluster{logger: template.Logger.WithComponent("cluster")}
	for id := int32(1); id <= count; id++ {
		opts := template
		opts.ID = id
		opts.Count = count
		opts.DataDir = filepath.Join(dataDir, fmt.Sprintf("partition-%d", id))
		opts.Router = c
		p, err := Open(opts)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		c.parts = append(c.parts, p)
	}
	return c, nil
}

// Start starts every partition.
func (c *Cluster) Start(ctx context.Context) error {
	for _, p := range c.parts {
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("partition %d: %w", p.ID(), err)
		}
	}
	c.logger.Info("cluster started", log.Int("partitions", len(c.parts)))
	return nil
}

// Count returns the number of partitions.
func (c *Cluster) Count() int32 { return int32(len(c.parts)) }

// Partition returns partition id, or nil.
func (c *Cluster) Partition(id int32) *Partition {
	if id < 1 || int(id) > len(c.parts) {
		return nil
	}
	return c.parts[id-1]
}

// Partitions returns all partitions ordered by id.
func (c *Cluster) Partitions() []*Partition { return c.parts }

func (c *Cluster) Deliver(ctx context.Context, partitionID int32, cmd protocol.Command) error {
	p := c.Partition(partitionID)
	if p == nil {
		return fmt.Errorf("%w: %d", ErrUnknownPartition, partitionID)
	}
	_, err := p.Submit(ctx, cmd)
	return err
}

// Targets returns the partitions cmd must be applied on.
func (c *Cluster) Targets(cmd protocol.Command) ([]*Partition, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	n := c.Count()
	switch cmd.Type {
	case protocol.CommandPublishMessage:
		return c.one(protocol.SubscriptionPartitionID(cmd.Message.CorrelationKey, n)), nil
	case protocol.CommandOpenMessageSubscription, protocol.CommandCloseMessageSubscription,
		protocol.CommandAcknowledgeCorrelation, protocol.CommandRejectCorrelation:
		return c.one(protocol.SubscriptionPartitionID(cmd.MessageSubscription.CorrelationKey, n)), nil
	case protocol.CommandOpenProcessSubscription, protocol.CommandCloseProcessSubscription,
		protocol.CommandProcessSubscriptionOpened, protocol.CommandProcessSubscriptionClosed,
		protocol.CommandCorrelateProcessSubscription:
		return c.one(protocol.ProcessPartitionID(cmd.ProcessSubscription.ProcessInstanceKey, n)), nil
	case protocol.CommandProcessInstanceEnded:
		return c.one(protocol.ProcessPartitionID(cmd.ProcessInstance.ProcessInstanceKey, n)), nil
	default:
		// Start events must be known wherever a message may be published;
		// ticks concern every partition.
		return c.parts, nil
	}
}

func (c *Cluster) one(id int32) []*Partition { return []*Partition{c.parts[id-1]} }

// Submit appends cmd to the log of every partition it targets.
func (c *Cluster) Submit(ctx context.Context, cmd protocol.Command) error {
	targets, err := c.Targets(cmd)
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range targets {
		if _, err := p.Submit(ctx, cmd); err != nil {
			errs = append(errs, fmt.Errorf("partition %d: %w", p.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Publish publishes msg on its correlation key's partition and waits for the
// final outcome.
func (c *Cluster) Publish(ctx context.Context, msg protocol.MessageRecord) (protocol.PublishResponse, error) {
	p := c.parts[protocol.SubscriptionPartitionID(msg.CorrelationKey, c.Count())-1]
	return p.Publish(ctx, msg)
}

// IsCorrelationKeyActive asks the partition owning correlationKey.
func (c *Cluster) IsCorrelationKeyActive(tenantID, bpmnProcessID, correlationKey string) (bool, error) {
	p := c.parts[protocol.SubscriptionPartitionID(correlationKey, c.Count())-1]
	return p.IsCorrelationKeyActive(tenantID, bpmnProcessID, correlationKey)
}

// ExistsSubscriptionForElement asks every partition, since element instance
// keys are issued by the execution engine.
func (c *Cluster) ExistsSubscriptionForElement(elementInstanceKey int64) (bool, error) {
	for _, p := range c.parts {
		ok, err := p.ExistsSubscriptionForElement(elementInstanceKey)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// Stats returns per-partition stats and their sum.
func (c *Cluster) Stats() ([]Stats, Stats, error) {
	total := Stats{Healthy: true}
	out := make([]Stats, 0, len(c.parts))
	for _, p := range c.parts {
		s, err := p.Stats()
		if err != nil {
			return nil, total, fmt.Errorf("partition %d: %w", p.ID(), err)
		}
		out = append(out, s)
		total.Add(s)
	}
	return out, total, nil
}

// ReadLog reads the command log of partition id.
func (c *Cluster) ReadLog(id int32, opts commandlog.ReadOptions) ([]commandlog.Entry, commandlog.Token, error) {
	p := c.Partition(id)
	if p == nil {
		return nil, commandlog.Token{}, fmt.Errorf("%w: %d", ErrUnknownPartition, id)
	}
	return p.Log().Read(opts)
}

// Err returns the first fatal error of any partition.
func (c *Cluster) Err() error {
	for _, p := range c.parts {
		if err := p.Err(); err != nil {
			return fmt.Errorf("partition %d: %w", p.ID(), err)
		}
	}
	return nil
}

// Close closes every partition.
func (c *Cluster) Close() error {
	var errs []error
	for _, p := range c.parts {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
