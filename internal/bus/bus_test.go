package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/core"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/events"
)

func testMessage(recipient string, priority core.Priority) core.Message {
	return core.Message{
		Sender:    "producer",
		Recipient: recipient,
		Kind:      core.KindRequest,
		Priority:  priority,
	}
}

// deliveryLog records the order handlers saw messages in.
type deliveryLog struct {
	mu  sync.Mutex
	ids []string
}

func (l *deliveryLog) handler(_ context.Context, msg core.Message) error {
	l.mu.Lock()
	l.ids = append(l.ids, msg.ID)
	l.mu.Unlock()
	return nil
}

func (l *deliveryLog) seen() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.ids))
	copy(out, l.ids)
	return out
}

func TestRouteRejectsInvalidMessages(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	cases := map[string]core.Message{
		"no sender":    {Recipient: "tutor", Kind: core.KindRequest, Priority: core.PriorityLow},
		"no recipient": {Sender: "producer", Kind: core.KindRequest, Priority: core.PriorityLow},
		"bad kind":     {Sender: "producer", Recipient: "tutor", Kind: "telegram", Priority: core.PriorityLow},
		"bad priority": {Sender: "producer", Recipient: "tutor", Kind: core.KindRequest, Priority: "urgent"},
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := b.Route(context.Background(), msg)
			require.Error(t, err)
			assert.True(t, core.IsKind(err, core.ErrInvalidMessage))
		})
	}
}

// Messages enqueued before any subscriber exists are parked and then
// delivered in priority order once the participant subscribes.
func TestPriorityOrderAcrossParkedMessages(t *testing.T) {
	rec := events.NewRecorder()
	b := New(Options{Emitter: rec})
	defer b.Close()

	ctx := context.Background()
	m1, err := b.Route(ctx, testMessage("tutor", core.PriorityLow))
	require.NoError(t, err)
	m2, err := b.Route(ctx, testMessage("tutor", core.PriorityHigh))
	require.NoError(t, err)
	m3, err := b.Route(ctx, testMessage("tutor", core.PriorityMedium))
	require.NoError(t, err)

	log := &deliveryLog{}
	_, err = b.Subscribe("tutor", log.handler)
	require.NoError(t, err)

	require.True(t, rec.WaitFor("message_delivered", 3, 2*time.Second))
	assert.Equal(t, []string{m2, m3, m1}, log.seen())
}

func TestBreakerTripAndRecovery(t *testing.T) {
	rec := events.NewRecorder()
	b := New(Options{
		MaxRetries:       0,
		FailureThreshold: 3,
		RecoveryInterval: 100 * time.Millisecond,
		Emitter:          rec,
	})
	defer b.Close()

	var healthy atomic.Bool
	var handlerCalls atomic.Int64
	_, err := b.Subscribe("tutor", func(_ context.Context, _ core.Message) error {
		handlerCalls.Add(1)
		if healthy.Load() {
			return nil
		}
		return core.NewError(core.ErrProvider, "model unavailable")
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := b.Route(ctx, testMessage("tutor", core.PriorityMedium))
		require.NoError(t, err)
	}
	require.True(t, rec.WaitFor("message_delivery_failed", 4, 2*time.Second))

	failures := rec.Filter("message_delivery_failed")
	require.Len(t, failures, 4)
	for _, f := range failures[:3] {
		assert.Contains(t, f.Fields["error"], "ProviderError")
	}
	assert.Contains(t, failures[3].Fields["error"], "BreakerOpen")
	assert.Equal(t, int64(3), handlerCalls.Load(), "open breaker must not invoke the handler")

	// After recovery the half-open probe goes through and closes the breaker.
	time.Sleep(110 * time.Millisecond)
	healthy.Store(true)
	calls := handlerCalls.Load()
	_, err = b.Route(ctx, testMessage("tutor", core.PriorityMedium))
	require.NoError(t, err)
	require.True(t, rec.WaitFor("message_delivered", 1, 2*time.Second))
	assert.Equal(t, calls+1, handlerCalls.Load())

	st := b.Stats()
	require.Contains(t, st.Breakers, "tutor")
	assert.Equal(t, "closed", st.Breakers["tutor"].State)
}

func TestRetryBackoffThenSuccess(t *testing.T) {
	rec := events.NewRecorder()
	b := New(Options{
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
		Emitter:        rec,
	})
	defer b.Close()

	var attempts atomic.Int64
	_, err := b.Subscribe("tutor", func(_ context.Context, _ core.Message) error {
		if attempts.Add(1) < 3 {
			return core.NewError(core.ErrTimeout, "transient stall")
		}
		return nil
	})
	require.NoError(t, err)

	_, err = b.Route(context.Background(), testMessage("tutor", core.PriorityHigh))
	require.NoError(t, err)

	require.True(t, rec.WaitFor("message_delivered", 1, 2*time.Second))
	assert.Equal(t, int64(3), attempts.Load())
	assert.Equal(t, 2, rec.Count("message_retry_scheduled"))
	assert.Zero(t, b.DeadLetters().Len())
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	rec := events.NewRecorder()
	b := New(Options{
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		Emitter:        rec,
	})
	defer b.Close()

	_, err := b.Subscribe("tutor", func(_ context.Context, _ core.Message) error {
		return core.NewError(core.ErrProvider, "permanent outage")
	})
	require.NoError(t, err)

	id, err := b.Route(context.Background(), testMessage("tutor", core.PriorityMedium))
	require.NoError(t, err)

	require.True(t, rec.WaitFor("message_dead_lettered", 1, 2*time.Second))
	entries := b.DeadLetters().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].Message.ID)
	assert.Equal(t, 2, entries[0].Retries)
	assert.Contains(t, entries[0].Error, "ProviderError")
}

func TestNonRetryableFailureSkipsBackoff(t *testing.T) {
	rec := events.NewRecorder()
	b := New(Options{MaxRetries: 3, RetryBaseDelay: time.Millisecond, Emitter: rec})
	defer b.Close()

	_, err := b.Subscribe("tutor", func(_ context.Context, _ core.Message) error {
		return core.NewError(core.ErrValidation, "payload shape is wrong")
	})
	require.NoError(t, err)

	_, err = b.Route(context.Background(), testMessage("tutor", core.PriorityMedium))
	require.NoError(t, err)

	require.True(t, rec.WaitFor("message_dead_lettered", 1, 2*time.Second))
	assert.Zero(t, rec.Count("message_retry_scheduled"))
}

func TestQueueOverflowLeavesStateUnchanged(t *testing.T) {
	b := New(Options{MaxQueueSize: 3})
	defer b.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := b.Route(ctx, testMessage("tutor", core.PriorityLow))
		require.NoError(t, err)
	}
	// No subscriber exists, so all three are parked and still held.
	_, err := b.Route(ctx, testMessage("tutor", core.PriorityLow))
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.ErrQueueOverflow))
	assert.Equal(t, 3, b.Stats().QueueLength)
}

func TestBroadcastWithNoSubscribers(t *testing.T) {
	rec := events.NewRecorder()
	b := New(Options{Emitter: rec})
	defer b.Close()

	_, err := b.Broadcast(context.Background(), core.Message{
		Sender:   "producer",
		Kind:     core.KindEvent,
		Priority: core.PriorityLow,
	})
	require.NoError(t, err)

	require.True(t, rec.WaitFor("message_enqueued", 1, 2*time.Second))
	// Give the dispatcher time to drain the broadcast.
	require.Eventually(t, func() bool { return b.Stats().QueueLength == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, rec.Count("message_delivered"))
	assert.Zero(t, b.DeadLetters().Len())
}

func TestBroadcastFansOutToAllSubscribers(t *testing.T) {
	rec := events.NewRecorder()
	b := New(Options{Emitter: rec})
	defer b.Close()

	logA, logB := &deliveryLog{}, &deliveryLog{}
	_, err := b.Subscribe("alpha", logA.handler)
	require.NoError(t, err)
	_, err = b.Subscribe("beta", logB.handler)
	require.NoError(t, err)

	id, err := b.Broadcast(context.Background(), core.Message{
		Sender:   "producer",
		Kind:     core.KindEvent,
		Priority: core.PriorityMedium,
	})
	require.NoError(t, err)

	require.True(t, rec.WaitFor("message_delivered", 2, 2*time.Second))
	assert.Equal(t, []string{id}, logA.seen())
	assert.Equal(t, []string{id}, logB.seen())
}

// A routing rule naming a participant without a live subscription produces a
// per-participant dead letter without failing the broadcast as a whole.
func TestBroadcastRoutingRuleBestEffort(t *testing.T) {
	rec := events.NewRecorder()
	b := New(Options{Emitter: rec})
	defer b.Close()

	log := &deliveryLog{}
	_, err := b.Subscribe("alpha", log.handler)
	require.NoError(t, err)
	require.NoError(t, b.SetRoutingRule(core.KindEvent, "alpha", "ghost"))

	_, err = b.Broadcast(context.Background(), core.Message{
		Sender:   "producer",
		Kind:     core.KindEvent,
		Priority: core.PriorityMedium,
	})
	require.NoError(t, err)

	require.True(t, rec.WaitFor("message_delivered", 1, 2*time.Second))
	require.True(t, rec.WaitFor("message_dead_lettered", 1, 2*time.Second))
	entries := b.DeadLetters().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "ghost", entries[0].Message.Recipient)
	assert.Contains(t, entries[0].Error, "ParticipantNotFound")
	assert.Len(t, log.seen(), 1)
}

// Broadcast races a participant's handlers and the first success wins.
func TestBroadcastRacesHandlersWithinParticipant(t *testing.T) {
	rec := events.NewRecorder()
	b := New(Options{Emitter: rec})
	defer b.Close()

	var successes atomic.Int64
	_, err := b.Subscribe("alpha", func(_ context.Context, _ core.Message) error {
		return core.NewError(core.ErrProvider, "first handler down")
	})
	require.NoError(t, err)
	_, err = b.Subscribe("alpha", func(_ context.Context, _ core.Message) error {
		successes.Add(1)
		return nil
	})
	require.NoError(t, err)

	_, err = b.Broadcast(context.Background(), core.Message{
		Sender:   "producer",
		Kind:     core.KindEvent,
		Priority: core.PriorityMedium,
	})
	require.NoError(t, err)

	require.True(t, rec.WaitFor("message_delivered", 1, 2*time.Second))
	assert.Equal(t, int64(1), successes.Load())
	assert.Zero(t, b.DeadLetters().Len())
}

func TestControlMessagesSurfaceAsEvents(t *testing.T) {
	rec := events.NewRecorder()
	b := New(Options{Emitter: rec})
	defer b.Close()

	msg := testMessage(core.RecipientControl, core.PriorityCritical)
	msg.Payload = "drain"
	_, err := b.Route(context.Background(), msg)
	require.NoError(t, err)

	require.True(t, rec.WaitFor("control_message", 1, 2*time.Second))
	ev := rec.Filter("control_message")[0]
	assert.Equal(t, "drain", ev.Fields["message"])
}

func TestHandlerTimeoutIsADeliveryFailure(t *testing.T) {
	rec := events.NewRecorder()
	b := New(Options{MaxRetries: 0, Emitter: rec})
	defer b.Close()

	_, err := b.Subscribe("slow", func(ctx context.Context, _ core.Message) error {
		<-ctx.Done()
		time.Sleep(5 * time.Millisecond)
		return ctx.Err()
	})
	require.NoError(t, err)

	msg := testMessage("slow", core.PriorityMedium)
	msg.Timeout = 20 * time.Millisecond
	_, err = b.Route(context.Background(), msg)
	require.NoError(t, err)

	require.True(t, rec.WaitFor("message_delivery_failed", 1, 2*time.Second))
	assert.Contains(t, rec.Filter("message_delivery_failed")[0].Fields["error"], "Timeout")
}

func TestUnsubscribeIsIdempotentAndDropsBreaker(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	sub, err := b.Subscribe("tutor", func(_ context.Context, _ core.Message) error { return nil })
	require.NoError(t, err)
	require.Contains(t, b.Stats().Breakers, "tutor")

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	st := b.Stats()
	assert.Zero(t, st.Participants)
	assert.NotContains(t, st.Breakers, "tutor")
}

func TestDeadLetterDisabled(t *testing.T) {
	rec := events.NewRecorder()
	opts := DefaultOptions()
	opts.MaxRetries = 0
	opts.EnableDeadLetter = false
	opts.Emitter = rec
	b := New(opts)
	defer b.Close()

	_, err := b.Subscribe("tutor", func(_ context.Context, _ core.Message) error {
		return core.NewError(core.ErrProvider, "down")
	})
	require.NoError(t, err)

	_, err = b.Route(context.Background(), testMessage("tutor", core.PriorityMedium))
	require.NoError(t, err)

	require.True(t, rec.WaitFor("message_dead_lettered", 1, 2*time.Second))
	assert.Zero(t, b.DeadLetters().Len())
}
