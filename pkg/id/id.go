package id

import (
	"errors"
	"fmt"
)

const (
	// PartitionBits is the number of high bits reserved for the partition id.
	PartitionBits = 13
	// CounterBits is the number of low bits holding the per-partition counter.
	CounterBits = 64 - 1 - PartitionBits

	// MaxPartitionID is the largest encodable partition id.
	MaxPartitionID = 1<<PartitionBits - 1
	// MaxCounter is the largest counter value inside one partition.
	MaxCounter = 1<<CounterBits - 1
)

// ErrCounterExhausted is returned when a partition ran out of keys.
var ErrCounterExhausted = errors.New("id: counter exhausted for partition")

// Encode packs a partition id and a counter into one positive int64 key.
// Keys of one partition are strictly increasing with the counter, so key order
// equals issue order.
func Encode(partitionID int32, counter int64) int64 {
	return int64(partitionID)<<CounterBits | (counter & MaxCounter)
}

// PartitionOf extracts the partition id that issued key.
func PartitionOf(key int64) int32 {
	return int32(key >> CounterBits)
}

// CounterOf extracts the counter part of key.
func CounterOf(key int64) int64 {
	return key & MaxCounter
}

// Validate checks that a partition id is encodable.
func Validate(partitionID int32) error {
	if partitionID < 0 || partitionID > MaxPartitionID {
		return fmt.Errorf("id: partition id %d out of range [0,%d]", partitionID, MaxPartitionID)
	}
	return nil
}

// Next returns the key following last within the same partition.
func Next(last int64) (int64, error) {
	if CounterOf(last) == MaxCounter {
		return 0, ErrCounterExhausted
	}
	return last + 1, nil
}

// String renders a key as partition:counter for logs.
func String(key int64) string {
	return fmt.Sprintf("%d:%d", PartitionOf(key), CounterOf(key))
}
