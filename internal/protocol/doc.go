// Package protocol defines the records and commands exchanged between the
// execution engine, clients and the partitions of the correlator.
//
// A message and every subscription waiting for it live on the partition
// selected by SubscriptionPartitionID(correlationKey). Process-side
// subscriptions live on the partition of their process instance. The two
// sides talk through the Command* handshake types:
//
//	process partition                      message partition
//	OPEN_PROCESS_SUBSCRIPTION  ---------->  OPEN_MESSAGE_SUBSCRIPTION
//	PROCESS_SUBSCRIPTION_OPENED <---------
//	CORRELATE_PROCESS_SUBSCRIPTION <------  (message matched)
//	ACKNOWLEDGE_CORRELATION   ---------->   (or REJECT_CORRELATION)
//	CLOSE_PROCESS_SUBSCRIPTION ---------->  CLOSE_MESSAGE_SUBSCRIPTION
//	PROCESS_SUBSCRIPTION_CLOSED <---------
//
// Every command is retried by its sender until acknowledged, so handlers
// must be idempotent.
package protocol
