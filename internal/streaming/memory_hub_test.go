package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentchain/pkg/schema"
)

// recordingListener collects events and optionally fails.
type recordingListener struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingListener) Send(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingListener) received() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func testEvent(id string) Event {
	stage := schema.StageArchitect
	return NewWorkflowUpdate(id, schema.WorkflowStatusRunning, &stage, map[string]any{"step_status": "in_progress"})
}

func TestBroadcastReachesAllListeners(t *testing.T) {
	hub := NewMemoryHub()
	a, b := &recordingListener{}, &recordingListener{}
	hub.Register(a)
	hub.Register(b)

	hub.Broadcast(context.Background(), testEvent("wf-1"))

	for _, l := range []*recordingListener{a, b} {
		got := l.received()
		require.Len(t, got, 1)
		assert.Equal(t, "wf-1", got[0].WorkflowID)
		assert.Equal(t, schema.EventWorkflowUpdate, got[0].Type)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	hub := NewMemoryHub()
	l := &recordingListener{}

	s1 := hub.Register(l)
	s2 := hub.Register(l)
	assert.Equal(t, s1, s2)
	assert.Equal(t, 1, hub.Len())

	hub.Broadcast(context.Background(), testEvent("wf-1"))
	assert.Len(t, l.received(), 1, "registered once, delivered once")
}

func TestUnregister(t *testing.T) {
	hub := NewMemoryHub()
	l := &recordingListener{}
	sub := hub.Register(l)

	hub.Unregister(sub)
	hub.Unregister(sub)
	hub.Unregister(Subscription(999))
	assert.Equal(t, 0, hub.Len())

	hub.Broadcast(context.Background(), testEvent("wf-1"))
	assert.Empty(t, l.received())
}

func TestBroadcastPrunesFailedListener(t *testing.T) {
	reg := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_listeners"})
	reg.MustRegister(gauge)

	hub := NewMemoryHub(WithListenerGauge(gauge))
	good := &recordingListener{}
	bad := &recordingListener{err: errors.New("connection reset")}
	hub.Register(good)
	hub.Register(bad)
	assert.Equal(t, 2.0, testutil.ToFloat64(gauge))

	hub.Broadcast(context.Background(), testEvent("wf-1"))

	assert.Equal(t, 1, hub.Len(), "failed listener removed synchronously")
	assert.Equal(t, 1.0, testutil.ToFloat64(gauge))
	assert.Len(t, good.received(), 1)

	hub.Broadcast(context.Background(), testEvent("wf-2"))
	assert.Len(t, good.received(), 2)
}

func TestBroadcastWithNoListeners(t *testing.T) {
	hub := NewMemoryHub()
	assert.NotPanics(t, func() { hub.Broadcast(context.Background(), testEvent("wf-1")) })
}

func TestEventJSON(t *testing.T) {
	b, err := json.Marshal(NewWorkflowUpdate("wf-1", schema.WorkflowStatusPending, nil, nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"workflow_update","workflow_id":"wf-1","status":"pending","current_step":null}`, string(b))

	stage := schema.StageTester
	b, err = json.Marshal(testEventWithStage("wf-2", stage))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"workflow_update","workflow_id":"wf-2","status":"running","current_step":"tester","data":{"step_status":"completed"}}`, string(b))
}

func testEventWithStage(id string, stage schema.Stage) Event {
	return NewWorkflowUpdate(id, schema.WorkflowStatusRunning, &stage, map[string]any{"step_status": "completed"})
}

func TestChanListenerDelivers(t *testing.T) {
	hub := NewMemoryHub()
	l := NewChanListener(4, EventFilter{})
	hub.Register(l)

	hub.Broadcast(context.Background(), testEvent("wf-1"))

	select {
	case got := <-l.Events():
		assert.Equal(t, "wf-1", got.WorkflowID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestChanListenerFilter(t *testing.T) {
	l := NewChanListener(4, EventFilter{WorkflowID: "wf-1"})
	ctx := context.Background()

	require.NoError(t, l.Send(ctx, testEvent("wf-2")))
	require.NoError(t, l.Send(ctx, testEvent("wf-1")))

	got := <-l.Events()
	assert.Equal(t, "wf-1", got.WorkflowID)
	select {
	case ev := <-l.Events():
		t.Fatalf("unexpected event: %+v", ev)
	default:
	}
}

func TestChanListenerFullIsPruned(t *testing.T) {
	hub := NewMemoryHub()
	slow := NewChanListener(2, EventFilter{})
	hub.Register(slow)

	for i := 0; i < 3; i++ {
		hub.Broadcast(context.Background(), testEvent("wf-1"))
	}

	assert.Equal(t, 0, hub.Len())
	select {
	case <-slow.Done():
	default:
		t.Fatal("full listener should be closed")
	}
	assert.Len(t, slow.Events(), 2, "buffered events stay readable")
	assert.ErrorIs(t, slow.Send(context.Background(), testEvent("wf-1")), ErrListenerClosed)
}

func TestChanListenerCloseIdempotent(t *testing.T) {
	l := NewChanListener(0, EventFilter{})
	assert.Equal(t, DefaultBuffer, cap(l.ch))
	l.Close()
	assert.NotPanics(t, l.Close)
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const goroutines = 20
	const eventsPerGoroutine = 50

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				hub.Broadcast(ctx, testEvent("wf-concurrent"))
			}
		}()
	}
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := NewChanListener(8, EventFilter{})
			sub := hub.Register(l)
			for range 5 {
				select {
				case <-l.Events():
				case <-time.After(10 * time.Millisecond):
				}
			}
			hub.Unregister(sub)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Len())
}
