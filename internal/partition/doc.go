// Package partition runs the correlation state machine of a node.
//
// A Partition owns a Pebble store holding its command log and correlation
// state. Commands are appended to the log and applied by one goroutine, in
// order, one transaction per command; the applied position is committed with
// the state change, so a restart replays exactly what was not applied.
// Handshake commands, publish answers and engine callbacks produced by a
// command are released after its transaction commits.
//
// Two timers feed the log: an expiry tick that removes messages past their
// deadline, and a retry trigger that reads the pending trackers from its own
// goroutine and schedules a resend when a handshake is overdue.
//
// A Cluster hosts all partitions of a node and routes between them:
//
//	c, _ := partition.OpenCluster("./data", 3, partition.Options{Logger: logger})
//	_ = c.Start(ctx)
//	defer c.Close()
//	resp, _ := c.Publish(ctx, protocol.MessageRecord{Name: "order-paid", CorrelationKey: "order-42", TimeToLive: 60_000})
package partition
