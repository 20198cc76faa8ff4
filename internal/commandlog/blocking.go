package commandlog

import "context"

// Appended returns a channel that is closed by the next Append.
func (l *Log) Appended() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notifyCh
}

// WaitForAppend blocks until an append newer than seq exists or ctx is done.
// It returns false when ctx ended the wait.
func (l *Log) WaitForAppend(ctx context.Context, seq uint64) bool {
	for {
		l.mu.Lock()
		last, ch := l.lastSeq, l.notifyCh
		l.mu.Unlock()
		if last > seq {
			return true
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
}
