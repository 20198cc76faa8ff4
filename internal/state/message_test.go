package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/correlator/internal/keys"
	"github.com/rzbill/correlator/internal/protocol"
)

func msg(key int64, name, ck string, deadline int64) protocol.MessageRecord {
	return protocol.MessageRecord{Key: key, TenantID: "<default>", Name: name, CorrelationKey: ck, Deadline: deadline}
}

func collectMessages(t *testing.T, s *MessageStore, name, ck string) []int64 {
	t.Helper()
	var out []int64
	for m, err := range s.Messages("<default>", name, ck) {
		require.NoError(t, err)
		out = append(out, m.Key)
	}
	return out
}

func TestMessagePutAndMessagesFIFO(t *testing.T) {
	f := newFixture(t)
	s := f.st.Messages
	require.NoError(t, s.Put(msg(20, "order-paid", "order-42", 100)))
	require.NoError(t, s.Put(msg(10, "order-paid", "order-42", 100)))
	require.NoError(t, s.Put(msg(15, "order-paid", "order-43", 100)))
	require.NoError(t, s.Put(msg(11, "order-paid-late", "order-42", 100)))

	assert.Equal(t, []int64{10, 20}, collectMessages(t, s, "order-paid", "order-42"))
	assert.Equal(t, []int64{15}, collectMessages(t, s, "order-paid", "order-43"))

	n, err := s.BufferedCount()
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	// Visible after commit as well.
	f.commit(t)
	assert.Equal(t, []int64{10, 20}, collectMessages(t, f.st.Messages, "order-paid", "order-42"))
}

func TestMessagesStopEarly(t *testing.T) {
	f := newFixture(t)
	s := f.st.Messages
	for k := int64(1); k <= 5; k++ {
		require.NoError(t, s.Put(msg(k, "n", "c", 100)))
	}
	seen := 0
	for _, err := range s.Messages("<default>", "n", "c") {
		require.NoError(t, err)
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
}

func TestMessageDedupAndRemove(t *testing.T) {
	f := newFixture(t)
	s := f.st.Messages
	m := msg(7, "order-paid", "order-42", 500)
	m.MessageID = "m-1"
	require.NoError(t, s.Put(m))
	require.NoError(t, f.st.Exclusivity.PutMessageCorrelated(7, "order-process"))

	dup, err := s.Exists("order-paid", "order-42", "m-1", "<default>")
	require.NoError(t, err)
	assert.True(t, dup)
	dup, err = s.Exists("order-paid", "order-43", "m-1", "<default>")
	require.NoError(t, err)
	assert.False(t, dup)
	dup, err = s.Exists("order-paid", "order-42", "", "<default>")
	require.NoError(t, err)
	assert.False(t, dup)

	require.NoError(t, s.Remove(7))
	require.NoError(t, s.Remove(7))

	_, err = s.Get(7)
	assert.ErrorIs(t, err, ErrNotFound)
	dup, err = s.Exists("order-paid", "order-42", "m-1", "<default>")
	require.NoError(t, err)
	assert.False(t, dup)
	claimed, err := f.st.Exclusivity.IsMessageCorrelated(7, "order-process")
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Empty(t, collectMessages(t, s, "order-paid", "order-42"))
	for range s.Expired(1_000_000, nil) {
		t.Fatal("deadline row left behind")
	}
	n, err := s.BufferedCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func expired(t *testing.T, s *MessageStore, ts int64, from *DeadlineCursor) []DeadlineEntry {
	t.Helper()
	var out []DeadlineEntry
	for e, err := range s.Expired(ts, from) {
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestExpiredDeadlineBoundaries(t *testing.T) {
	f := newFixture(t)
	s := f.st.Messages
	require.NoError(t, s.Put(msg(1, "n", "c", 5_000)))

	assert.Empty(t, expired(t, s, 4_999, nil))
	assert.Equal(t, []DeadlineEntry{{Deadline: 5_000, Key: 1}}, expired(t, s, 5_000, nil))
	assert.Equal(t, []DeadlineEntry{{Deadline: 5_000, Key: 1}}, expired(t, s, 9_000, nil))
}

func TestExpiredOrderAndResume(t *testing.T) {
	f := newFixture(t)
	s := f.st.Messages
	require.NoError(t, s.Put(msg(3, "n", "c", 200)))
	require.NoError(t, s.Put(msg(2, "n", "c", 300)))
	require.NoError(t, s.Put(msg(1, "n", "c", 300)))
	require.NoError(t, s.Put(msg(4, "n", "c", 400)))

	all := expired(t, s, 350, nil)
	assert.Equal(t, []DeadlineEntry{{200, 3}, {300, 1}, {300, 2}}, all)

	var first []DeadlineEntry
	for e, err := range s.Expired(350, nil) {
		require.NoError(t, err)
		first = append(first, e)
		if len(first) == 2 {
			break
		}
	}
	cursor := DeadlineCursor{Deadline: 300, Key: 2}
	assert.Equal(t, []DeadlineEntry{{300, 2}}, expired(t, s, 350, &cursor))
	assert.Equal(t, all[:2], first)
}

func TestMessagesReportIndexInconsistency(t *testing.T) {
	f := newFixture(t)
	orphan := messageCorrelationPrefix("<default>", "n", "c").Int(99)
	require.NoError(t, f.tx.Set(orphan.Bytes(), nil))

	var got error
	for _, err := range f.st.Messages.Messages("<default>", "n", "c") {
		got = err
	}
	require.Error(t, got)
	assert.True(t, IsFatal(got))
	var ie *InconsistencyError
	assert.ErrorAs(t, got, &ie)
}

func TestKeyGeneratorPersists(t *testing.T) {
	f := newFixture(t)
	k1, err := f.st.Keys.Next()
	require.NoError(t, err)
	k2, err := f.st.Keys.Next()
	require.NoError(t, err)
	assert.Greater(t, k2, k1)
	f.commit(t)

	k3, err := f.st.Keys.Next()
	require.NoError(t, err)
	assert.Equal(t, k2+1, k3)

	raw, err := f.tx.Get(lastKeyKey())
	require.NoError(t, err)
	v, err := keys.DecodeInt64Value(raw)
	require.NoError(t, err)
	assert.Equal(t, k3, v)
}

func TestDuplicateOf(t *testing.T) {
	f := newFixture(t)
	m := msg(7, "order-paid", "order-42", 500)
	m.MessageID = "m-1"
	require.NoError(t, f.st.Messages.Put(m))

	key, ok, err := f.st.Messages.DuplicateOf("order-paid", "order-42", "m-1", "<default>")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 7, key)

	_, ok, err = f.st.Messages.DuplicateOf("order-paid", "order-42", "m-2", "<default>")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMessageRePutReplacesIndices(t *testing.T) {
	f := newFixture(t)
	s := f.st.Messages
	m := msg(7, "order-paid", "order-42", 500)
	m.MessageID = "m-1"
	require.NoError(t, s.Put(m))

	m.CorrelationKey = "order-43"
	m.Deadline = 900
	m.MessageID = "m-2"
	require.NoError(t, s.Put(m))

	assert.Empty(t, collectMessages(t, s, "order-paid", "order-42"))
	assert.Equal(t, []int64{7}, collectMessages(t, s, "order-paid", "order-43"))
	assert.Equal(t, []DeadlineEntry{{Deadline: 900, Key: 7}}, expired(t, s, 1_000, nil))
	_, ok, err := s.DuplicateOf("order-paid", "order-42", "m-1", "<default>")
	require.NoError(t, err)
	assert.False(t, ok)
	key, ok, err := s.DuplicateOf("order-paid", "order-43", "m-2", "<default>")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 7, key)

	n, err := s.BufferedCount()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
