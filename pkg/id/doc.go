// Package id encodes the 64-bit keys issued by a partition.
//
// # Format
//
// A key is a positive int64: [1 sign bit = 0][13 bits partition id][50 bits counter].
// Keys issued by one partition are strictly increasing, so ordering by key is
// ordering by issue time, and the issuing partition can be recovered from any
// key without a lookup. This is what lets a subscription on one partition name
// the partition that owns a process instance.
//
// Usage
//
//	k := id.Encode(partitionID, 1)
//	next, _ := id.Next(k)
//	p := id.PartitionOf(next)
package id
