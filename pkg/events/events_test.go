package events

import (
	"testing"
	"time"

	"github.com/cuemby/adcm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events []*Event
}

func (r *recorder) Publish(e *Event) {
	r.events = append(r.events, e)
}

func TestBatchFlushPreservesOrder(t *testing.T) {
	var b Batch
	ref := types.Ref(types.ObjectCluster, 1)

	b.Add(EventCreate, ref, nil)
	b.Add(EventSetState, ref, map[string]any{"state": "installed"})
	b.Add(EventChangeHC, ref, nil)
	require.Len(t, b.Events(), 3)

	r := &recorder{}
	b.Flush(r)

	require.Len(t, r.events, 3)
	assert.Equal(t, EventCreate, r.events[0].Type)
	assert.Equal(t, EventSetState, r.events[1].Type)
	assert.Equal(t, EventChangeHC, r.events[2].Type)
	assert.Equal(t, ref, r.events[1].Object())
	assert.Empty(t, b.Events())
}

func TestBatchResetDiscards(t *testing.T) {
	var b Batch
	b.Add(EventDelete, types.Ref(types.ObjectHost, 3), nil)
	b.Reset()

	r := &recorder{}
	b.Flush(r)
	assert.Empty(t, r.events)

	b.Add(EventDelete, types.Ref(types.ObjectHost, 3), nil)
	b.Flush(nil)
	assert.Empty(t, b.Events())
}

func TestBrokerDeliversInOrder(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe(nil)
	defer broker.Unsubscribe(sub)
	assert.Equal(t, 1, broker.SubscriberCount())

	ref := types.Ref(types.ObjectTask, 9)
	for _, status := range []string{"created", "running", "success"} {
		broker.Publish(&Event{Type: EventTaskStatus, ObjectType: ref.Type, ObjectID: ref.ID, Details: map[string]any{"status": status}})
	}

	var got []string
	for range 3 {
		select {
		case e := <-sub.C:
			assert.NotEmpty(t, e.ID)
			assert.False(t, e.Timestamp.IsZero())
			got = append(got, e.Details["status"].(string))
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Equal(t, []string{"created", "running", "success"}, got)
}

func TestBrokerFilter(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	task := types.Ref(types.ObjectTask, 4)
	sub := broker.Subscribe(ForObject(task, EventTaskStatus))

	broker.Publish(&Event{Type: EventTaskStatus, ObjectType: types.ObjectTask, ObjectID: 5})
	broker.Publish(&Event{Type: EventAddJobLog, ObjectType: task.Type, ObjectID: task.ID})
	broker.Publish(&Event{Type: EventTaskStatus, ObjectType: task.Type, ObjectID: task.ID})

	select {
	case e := <-sub.C:
		assert.Equal(t, EventTaskStatus, e.Type)
		assert.Equal(t, task, e.Object())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	broker.Unsubscribe(sub)
	broker.Unsubscribe(sub)
	_, open := <-sub.C
	assert.False(t, open)
	assert.Zero(t, broker.SubscriberCount())
}

func TestSubscriptionDropsWhenFull(t *testing.T) {
	broker := NewBroker()
	sub := broker.Subscribe(nil)

	for i := 0; i < 130; i++ {
		broker.deliver(&Event{Type: EventStatus})
	}
	assert.Equal(t, int64(2), sub.Dropped())
	assert.Len(t, sub.C, 128)
}
