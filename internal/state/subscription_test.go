package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/correlator/internal/protocol"
)

func elementSub(eik int64, name, ck string) protocol.MessageSubscriptionRecord {
	return protocol.MessageSubscriptionRecord{
		ProcessInstanceKey: 1,
		ElementInstanceKey: eik,
		BpmnProcessID:      "order-process",
		MessageName:        name,
		CorrelationKey:     ck,
		TenantID:           "<default>",
		Interrupting:       true,
	}
}

func TestMessageSubscriptionLifecycle(t *testing.T) {
	f := newFixture(t)
	s := f.st.MessageSubscriptions
	require.NoError(t, s.Put(elementSub(30, "order-paid", "order-42")))
	require.NoError(t, s.Put(elementSub(10, "order-paid", "order-42")))
	require.NoError(t, s.Put(elementSub(20, "order-paid", "order-43")))

	var eiks []int64
	for sub, err := range s.Subscriptions("<default>", "order-paid", "order-42") {
		require.NoError(t, err)
		eiks = append(eiks, sub.ElementInstanceKey)
		assert.False(t, sub.Correlating)
	}
	assert.Equal(t, []int64{10, 30}, eiks)

	sub, err := s.Get(10, "order-paid")
	require.NoError(t, err)
	m := msg(5, "order-paid", "order-42", 100)
	m.Variables = []byte(`{"paid":true}`)
	sub, err = s.UpdateToCorrelating(sub, m)
	require.NoError(t, err)
	assert.True(t, sub.Correlating)

	stored, err := s.Get(10, "order-paid")
	require.NoError(t, err)
	assert.True(t, stored.Correlating)
	assert.EqualValues(t, 5, stored.MessageKey)
	assert.JSONEq(t, `{"paid":true}`, string(stored.Variables))
	assert.Equal(t, 1, f.msgPend.Len())

	_, err = s.UpdateToCorrelating(stored, msg(6, "order-paid", "order-42", 100))
	assert.ErrorIs(t, err, ErrIllegalTransition)

	s.UpdateToCorrelated(stored)
	assert.Zero(t, f.msgPend.Len())

	require.NoError(t, s.Remove(10, "order-paid"))
	require.NoError(t, s.Remove(10, "order-paid"))
	ok, err := s.Exists(10, "order-paid")
	require.NoError(t, err)
	assert.False(t, ok)
	eiks = nil
	for sub, err := range s.Subscriptions("<default>", "order-paid", "order-42") {
		require.NoError(t, err)
		eiks = append(eiks, sub.ElementInstanceKey)
	}
	assert.Equal(t, []int64{30}, eiks)
}

func TestMessageSubscriptionPendingSkipsStale(t *testing.T) {
	f := newFixture(t)
	s := f.st.MessageSubscriptions
	require.NoError(t, s.Put(elementSub(10, "a", "k")))
	require.NoError(t, s.Put(elementSub(11, "a", "k")))
	sub, _ := s.Get(10, "a")
	_, err := s.UpdateToCorrelating(sub, msg(1, "a", "k", 100))
	require.NoError(t, err)
	f.clock.now = 1_500
	sub, _ = s.Get(11, "a")
	_, err = s.UpdateToCorrelating(sub, msg(2, "a", "k", 100))
	require.NoError(t, err)

	// An entry whose row is gone is dropped.
	f.msgPend.Add(PendingKey{OwnerKey: 99, MessageName: "a", TenantID: "<default>"}, 500)

	var got []int64
	for sub, err := range s.Pending(2_000) {
		require.NoError(t, err)
		got = append(got, sub.ElementInstanceKey)
	}
	assert.Equal(t, []int64{10, 11}, got)
	assert.Equal(t, 2, f.msgPend.Len())

	got = nil
	for sub, err := range s.Pending(1_200) {
		require.NoError(t, err)
		got = append(got, sub.ElementInstanceKey)
	}
	assert.Equal(t, []int64{10}, got)

	f.clock.now = 3_000
	sub, _ = s.Get(10, "a")
	s.OnSent(sub)
	assert.Len(t, f.msgPend.EntriesBefore(2_000), 1)
}

func TestMessageSubscriptionOnRecovered(t *testing.T) {
	f := newFixture(t)
	s := f.st.MessageSubscriptions
	require.NoError(t, s.Put(elementSub(10, "a", "k")))
	require.NoError(t, s.Put(elementSub(11, "a", "k")))
	sub, _ := s.Get(10, "a")
	_, err := s.UpdateToCorrelating(sub, msg(1, "a", "k", 100))
	require.NoError(t, err)
	f.commit(t)

	// Fresh process: the tracker is empty.
	f.msgPend.Clear()
	f.clock.now = 50_000
	n, err := f.st.MessageSubscriptions.OnRecovered()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	entries := f.msgPend.EntriesBefore(50_001)
	require.Len(t, entries, 1)
	assert.EqualValues(t, 10, entries[0].OwnerKey)
}

func TestMessageSubscriptionsIndexInconsistency(t *testing.T) {
	f := newFixture(t)
	orphan := messageSubscriptionCorrPrefix("<default>", "a", "k").Int(5)
	require.NoError(t, f.tx.Set(orphan.Bytes(), nil))
	var got error
	for _, err := range f.st.MessageSubscriptions.Subscriptions("<default>", "a", "k") {
		got = err
	}
	assert.ErrorIs(t, got, ErrIndexInconsistency)
}

func processSub(eik int64, name string) protocol.ProcessMessageSubscriptionRecord {
	return protocol.ProcessMessageSubscriptionRecord{
		ProcessInstanceKey: 1,
		ElementInstanceKey: eik,
		BpmnProcessID:      "order-process",
		ElementID:          "wait-payment",
		MessageName:        name,
		CorrelationKey:     "order-42",
		TenantID:           "<default>",
		Interrupting:       true,
		State:              protocol.StateOpening,
	}
}

func TestProcessSubscriptionTransitions(t *testing.T) {
	f := newFixture(t)
	s := f.st.ProcessSubscriptions
	require.NoError(t, s.Put(processSub(10, "a")))
	assert.Equal(t, 1, f.prcPend.Len())

	_, err := s.UpdateToClosing(processSub(10, "a"))
	assert.ErrorIs(t, err, ErrIllegalTransition)

	sub, err := s.UpdateToOpening(processSub(10, "a"))
	require.NoError(t, err)
	assert.Equal(t, protocol.StateOpening, sub.State)

	sub, err = s.UpdateToOpened(processSub(10, "a"))
	require.NoError(t, err)
	assert.Equal(t, protocol.StateOpened, sub.State)
	assert.Equal(t, "wait-payment", sub.ElementID)
	assert.Zero(t, f.prcPend.Len())

	_, err = s.UpdateToOpening(processSub(10, "a"))
	assert.ErrorIs(t, err, ErrIllegalTransition)

	sub, err = s.UpdateToClosing(processSub(10, "a"))
	require.NoError(t, err)
	assert.Equal(t, protocol.StateClosing, sub.State)
	assert.Equal(t, 1, f.prcPend.Len())

	_, err = s.UpdateToOpened(processSub(10, "a"))
	assert.ErrorIs(t, err, ErrIllegalTransition)

	require.NoError(t, s.Remove(10, "<default>", "a"))
	assert.Zero(t, f.prcPend.Len())
	_, err = s.UpdateToOpened(processSub(10, "a"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProcessSubscriptionForElementAndRecovery(t *testing.T) {
	f := newFixture(t)
	s := f.st.ProcessSubscriptions
	require.NoError(t, s.Put(processSub(10, "a")))
	require.NoError(t, s.Put(processSub(10, "b")))
	require.NoError(t, s.Put(processSub(11, "a")))
	_, err := s.UpdateToOpened(processSub(10, "b"))
	require.NoError(t, err)
	f.commit(t)

	var names []string
	for sub, err := range s.ForElement(10) {
		require.NoError(t, err)
		names = append(names, sub.MessageName)
	}
	assert.Equal(t, []string{"a", "b"}, names)

	ok, err := s.ExistsForElement(11)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ExistsForElement(12)
	require.NoError(t, err)
	assert.False(t, ok)

	f.prcPend.Clear()
	n, err := s.OnRecovered()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var pending []int64
	for sub, err := range s.Pending(f.clock.now + 1) {
		require.NoError(t, err)
		pending = append(pending, sub.ElementInstanceKey)
	}
	assert.ElementsMatch(t, []int64{10, 11}, pending)
}

func TestStartEventSubscriptions(t *testing.T) {
	f := newFixture(t)
	s := f.st.StartEvents
	start := func(def int64, name string) protocol.MessageStartEventSubscriptionRecord {
		return protocol.MessageStartEventSubscriptionRecord{
			TenantID: "<default>", MessageName: name, ProcessDefinitionKey: def,
			BpmnProcessID: "order-process", StartEventID: "start",
		}
	}
	require.NoError(t, s.Put(start(2, "order-placed")))
	require.NoError(t, s.Put(start(1, "order-placed")))
	require.NoError(t, s.Put(start(1, "order-imported")))

	var defs []int64
	for sub, err := range s.ByMessageName("<default>", "order-placed") {
		require.NoError(t, err)
		defs = append(defs, sub.ProcessDefinitionKey)
	}
	assert.Equal(t, []int64{1, 2}, defs)

	n, err := s.RemoveByProcessDefinition(1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	defs = nil
	for sub, err := range s.ByMessageName("<default>", "order-placed") {
		require.NoError(t, err)
		defs = append(defs, sub.ProcessDefinitionKey)
	}
	assert.Equal(t, []int64{2}, defs)
	for range s.ByMessageName("<default>", "order-imported") {
		t.Fatal("by-name row survived removal of its definition")
	}
	for range s.ByProcessDefinition(1) {
		t.Fatal("by-definition row survived removal")
	}
}

func TestExclusivity(t *testing.T) {
	f := newFixture(t)
	r := f.st.Exclusivity
	require.NoError(t, r.MarkActive("<default>", "order-process", "order-42"))
	assert.ErrorIs(t, r.MarkActive("<default>", "order-process", "order-42"), ErrCorrelationKeyActive)
	require.NoError(t, r.MarkActive("<default>", "other-process", "order-42"))

	active, err := r.IsActive("<default>", "order-process", "order-42")
	require.NoError(t, err)
	assert.True(t, active)

	inst := ActiveInstance{TenantID: "<default>", BpmnProcessID: "order-process", CorrelationKey: "order-42", MessageName: "order-placed"}
	require.NoError(t, r.RecordInstanceCorrelationKey(77, inst))
	got, ok, err := r.LookupAndForget(77)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, inst, got)
	_, ok, err = r.LookupAndForget(77)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.ClearActive("<default>", "order-process", "order-42"))
	require.NoError(t, r.MarkActive("<default>", "order-process", "order-42"))
}

func TestMessageCorrelationJoin(t *testing.T) {
	f := newFixture(t)
	r := f.st.Exclusivity
	require.NoError(t, r.PutMessageCorrelated(5, "a"))
	require.NoError(t, r.PutMessageCorrelated(5, "b"))
	require.NoError(t, r.PutMessageCorrelated(6, "a"))

	ok, err := r.IsMessageCorrelated(5, "b")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, r.RemoveMessageCorrelated(5, "b"))
	ok, err = r.IsMessageCorrelated(5, "b")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.RemoveMessageCorrelations(5))
	ok, err = r.IsMessageCorrelated(5, "a")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = r.IsMessageCorrelated(6, "a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRequests(t *testing.T) {
	f := newFixture(t)
	r := f.st.Requests
	_, ok, err := r.Get(5)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Record(5, protocol.RequestData{RequestID: 9, RequestStreamID: 2}))
	req, ok, err := r.Get(5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, protocol.RequestData{RequestID: 9, RequestStreamID: 2}, req)
	exists, err := r.Exists(5)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, r.Remove(5))
	exists, err = r.Exists(5)
	require.NoError(t, err)
	assert.False(t, exists)
}
