// Package bus implements priority message dispatch among named participants:
// a max-heap holding area, a single dispatcher, per-participant circuit
// breakers, retry scheduling with exponential backoff, and an append-only
// dead-letter log for terminal failures.
package bus

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/core"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/events"
)

// Handler processes one delivered message. The context carries the delivery
// deadline; the bus does not guarantee cancellation beyond it, so handlers
// that spawn work must honor ctx themselves.
type Handler func(ctx context.Context, msg core.Message) error

// Subscription is the handle returned by Subscribe and consumed by
// Unsubscribe. Each Subscribe call registers a distinct handler entry;
// point-to-point delivery always uses the participant's first registered
// handler, broadcast races all of them.
type Subscription struct {
	id          string
	participant string
	handler     Handler
}

// Participant returns the subscribed participant name.
func (s *Subscription) Participant() string { return s.participant }

// Options configures a Bus. Zero numeric fields take the documented
// defaults; use DefaultOptions as the starting point so EnableDeadLetter
// keeps its default of true.
type Options struct {
	HandlerTimeout   time.Duration
	MaxRetries       int
	RetryBaseDelay   time.Duration
	EnableDeadLetter bool
	MaxQueueSize     int
	FailureThreshold uint32
	RecoveryInterval time.Duration
	Emitter          events.Emitter
	IDs              core.IDSource
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		HandlerTimeout:   30 * time.Second,
		MaxRetries:       3,
		RetryBaseDelay:   time.Second,
		EnableDeadLetter: true,
		MaxQueueSize:     10000,
		FailureThreshold: 5,
		RecoveryInterval: 60 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = def.HandlerTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = def.MaxRetries
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = time.Second
	}
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = def.MaxQueueSize
	}
	if o.FailureThreshold == 0 {
		o.FailureThreshold = def.FailureThreshold
	}
	if o.RecoveryInterval <= 0 {
		o.RecoveryInterval = def.RecoveryInterval
	}
	if o.Emitter == nil {
		o.Emitter = events.Nop{}
	}
	if o.IDs == nil {
		o.IDs = core.SequenceSource("msg")
	}
	return o
}

// Bus routes messages among participants. All state is instance-owned.
type Bus struct {
	opts    Options
	emitter events.Emitter
	ids     core.IDSource

	mu     sync.Mutex
	heap   messageHeap
	parked map[string][]*envelope
	subs   map[string][]*Subscription
	rules  map[core.MessageKind][]string
	timers map[uint64]*time.Timer
	size   int
	seq    uint64
	closed bool

	breakers *breakerSet
	dlq      *DeadLetterQueue

	wake       chan struct{}
	stopCh     chan struct{}
	done       chan struct{}
	processing atomic.Bool
	closeOnce  sync.Once
}

// Stats is an immutable snapshot of bus state.
type Stats struct {
	QueueLength    int                      `json:"queueLength"`
	Parked         int                      `json:"parked"`
	PendingRetries int                      `json:"pendingRetries"`
	Participants   int                      `json:"participants"`
	Handlers       int                      `json:"handlers"`
	DeadLetters    int                      `json:"deadLetters"`
	Breakers       map[string]BreakerStatus `json:"breakers"`
	Processing     bool                     `json:"processing"`
}

// New builds a Bus and starts its dispatcher.
func New(opts Options) *Bus {
	opts = opts.withDefaults()
	b := &Bus{
		opts:     opts,
		emitter:  opts.Emitter,
		ids:      opts.IDs,
		parked:   make(map[string][]*envelope),
		subs:     make(map[string][]*Subscription),
		rules:    make(map[core.MessageKind][]string),
		timers:   make(map[uint64]*time.Timer),
		breakers: newBreakerSet(opts.FailureThreshold, opts.RecoveryInterval, opts.Emitter),
		dlq:      newDeadLetterQueue(),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers a handler for the participant. A participant's breaker
// comes alive with its first subscription. Messages parked for the
// participant re-enter the holding area with their original enqueue order.
func (b *Bus) Subscribe(participant string, handler Handler) (*Subscription, error) {
	if participant == "" || participant == core.RecipientBroadcast || participant == core.RecipientControl {
		return nil, core.Errorf(core.ErrValidation, "invalid participant name %q", participant)
	}
	if handler == nil {
		return nil, core.NewError(core.ErrValidation, "handler must not be nil")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, core.NewError(core.ErrValidation, "bus is closed")
	}
	sub := &Subscription{id: b.ids(), participant: participant, handler: handler}
	b.subs[participant] = append(b.subs[participant], sub)
	handlerCount := len(b.subs[participant])
	released := len(b.parked[participant])
	if released > 0 {
		for _, env := range b.parked[participant] {
			heap.Push(&b.heap, env)
		}
		delete(b.parked, participant)
	}
	b.mu.Unlock()

	b.breakers.getOrCreate(participant)
	b.emitter.Emit("participant_subscribed", map[string]any{
		"participant":  participant,
		"handlerCount": handlerCount,
	})
	if released > 0 {
		b.wakeUp()
	}
	return sub, nil
}

// Unsubscribe removes a previously registered handler. Idempotent. When the
// participant's delivery set becomes empty its circuit breaker is destroyed.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	entries := b.subs[sub.participant]
	removed := false
	for i, s := range entries {
		if s == sub {
			b.subs[sub.participant] = append(entries[:i], entries[i+1:]...)
			removed = true
			break
		}
	}
	destroyed := removed && len(b.subs[sub.participant]) == 0
	if destroyed {
		delete(b.subs, sub.participant)
	}
	b.mu.Unlock()

	if !removed {
		return
	}
	if destroyed {
		b.breakers.drop(sub.participant)
	}
	b.emitter.Emit("participant_unsubscribed", map[string]any{"participant": sub.participant})
}

// Route validates the message and places it in the holding area. It returns
// the message id (assigned when absent) without waiting for delivery. The
// caller's context is honored only until enqueue returns.
func (b *Bus) Route(ctx context.Context, msg core.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := msg.Validate(); err != nil {
		return "", err
	}
	if msg.ID == "" {
		msg.ID = b.ids()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", core.NewError(core.ErrValidation, "bus is closed")
	}
	if b.size >= b.opts.MaxQueueSize {
		size := b.size
		b.mu.Unlock()
		return "", core.Errorf(core.ErrQueueOverflow, "holding area limit %d reached", b.opts.MaxQueueSize).
			With("queueSize", size).
			WithRecovery("retry after the queue drains", "raise maxQueueSize")
	}
	b.seq++
	env := &envelope{msg: msg, enqueuedAt: time.Now(), seq: b.seq}
	heap.Push(&b.heap, env)
	b.size++
	size := b.size
	b.mu.Unlock()

	b.emitter.Emit("message_enqueued", map[string]any{
		"id":        msg.ID,
		"queueSize": size,
		"priority":  string(msg.Priority),
	})
	b.wakeUp()
	return msg.ID, nil
}

// Broadcast stamps the broadcast sentinel onto the message and routes it.
func (b *Bus) Broadcast(ctx context.Context, msg core.Message) (string, error) {
	msg.Recipient = core.RecipientBroadcast
	return b.Route(ctx, msg)
}

// SetRoutingRule replaces the broadcast participant set for a message kind.
// An empty set removes the rule, so broadcasts of that kind fan out to all
// subscribed participants again.
func (b *Bus) SetRoutingRule(kind core.MessageKind, participants ...string) error {
	if !kind.Valid() {
		return core.Errorf(core.ErrValidation, "unknown message kind %q", string(kind))
	}
	b.mu.Lock()
	if len(participants) == 0 {
		delete(b.rules, kind)
	} else {
		set := make([]string, len(participants))
		copy(set, participants)
		b.rules[kind] = set
	}
	b.mu.Unlock()

	b.emitter.Emit("routing_rule_set", map[string]any{
		"kind":         string(kind),
		"participants": len(participants),
	})
	return nil
}

// Stats returns an immutable snapshot of queue, subscription, dead-letter
// and breaker state.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	parked := 0
	for _, envs := range b.parked {
		parked += len(envs)
	}
	handlers := 0
	for _, subs := range b.subs {
		handlers += len(subs)
	}
	st := Stats{
		QueueLength:    b.size,
		Parked:         parked,
		PendingRetries: len(b.timers),
		Participants:   len(b.subs),
		Handlers:       handlers,
	}
	b.mu.Unlock()

	st.DeadLetters = b.dlq.Len()
	st.Breakers = b.breakers.statuses()
	st.Processing = b.processing.Load()
	return st
}

// DeadLetters exposes the terminal-failure log for inspection.
func (b *Bus) DeadLetters() *DeadLetterQueue { return b.dlq }

// Close stops the dispatcher and cancels pending retries. Undelivered
// messages stay in the holding area; Close never delivers them.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		for seq, t := range b.timers {
			t.Stop()
			delete(b.timers, seq)
		}
		b.mu.Unlock()
		close(b.stopCh)
		<-b.done
	})
}

func (b *Bus) wakeUp() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

const (
	modeControl = iota
	modePoint
	modeBroadcast
)

type broadcastTarget struct {
	handlers []Handler
	breaker  *participantBreaker
}

type dispatchPlan struct {
	mode    int
	handler Handler
	breaker *participantBreaker
	targets map[string]broadcastTarget
}

// dispatch is the single logical dispatcher: it drains the heap in priority
// order and completes one delivery before dequeuing the next. Parallelism
// exists only inside broadcast fan-out and handler races.
func (b *Bus) dispatch() {
	defer close(b.done)
	for {
		env, plan := b.next()
		if env == nil {
			select {
			case <-b.wake:
				continue
			case <-b.stopCh:
				return
			}
		}

		b.processing.Store(true)
		switch plan.mode {
		case modeControl:
			b.emitter.Emit("control_message", map[string]any{
				"id":      env.msg.ID,
				"sender":  env.msg.Sender,
				"message": fmt.Sprintf("%v", env.msg.Payload),
			})
			b.release(env)
		case modeBroadcast:
			b.deliverBroadcast(env, plan.targets)
		default:
			b.deliverPoint(env, plan)
		}
		b.processing.Store(false)
	}
}

// next pops the highest-priority deliverable message. Messages addressed to
// a participant with no live subscription are parked until one appears; they
// stay counted against maxQueueSize.
func (b *Bus) next() (*envelope, dispatchPlan) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for !b.closed && b.heap.Len() > 0 {
		env := heap.Pop(&b.heap).(*envelope)
		switch env.msg.Recipient {
		case core.RecipientControl:
			return env, dispatchPlan{mode: modeControl}
		case core.RecipientBroadcast:
			return env, dispatchPlan{mode: modeBroadcast, targets: b.broadcastTargetsLocked(env.msg.Kind)}
		default:
			entries := b.subs[env.msg.Recipient]
			if len(entries) == 0 {
				b.parked[env.msg.Recipient] = append(b.parked[env.msg.Recipient], env)
				continue
			}
			return env, dispatchPlan{
				mode:    modePoint,
				handler: entries[0].handler,
				breaker: b.breakers.getOrCreate(env.msg.Recipient),
			}
		}
	}
	return nil, dispatchPlan{}
}

// broadcastTargetsLocked resolves the fan-out set: the routing rule for the
// kind when one exists, otherwise every subscribed participant. A rule may
// name participants with no live subscription; those surface as
// ParticipantNotFound dead letters.
func (b *Bus) broadcastTargetsLocked(kind core.MessageKind) map[string]broadcastTarget {
	targets := make(map[string]broadcastTarget)
	if rule, ok := b.rules[kind]; ok {
		for _, participant := range rule {
			tgt := broadcastTarget{}
			for _, sub := range b.subs[participant] {
				tgt.handlers = append(tgt.handlers, sub.handler)
			}
			if len(tgt.handlers) > 0 {
				tgt.breaker = b.breakers.getOrCreate(participant)
			}
			targets[participant] = tgt
		}
		return targets
	}
	for participant, entries := range b.subs {
		tgt := broadcastTarget{handlers: make([]Handler, 0, len(entries))}
		for _, sub := range entries {
			tgt.handlers = append(tgt.handlers, sub.handler)
		}
		tgt.breaker = b.breakers.getOrCreate(participant)
		targets[participant] = tgt
	}
	return targets
}

// release takes a message out of bus custody.
func (b *Bus) release(env *envelope) {
	b.mu.Lock()
	b.size--
	b.mu.Unlock()
}

func (b *Bus) deliverPoint(env *envelope, plan dispatchPlan) {
	start := time.Now()
	err := plan.breaker.call(env.msg.Recipient, func() error {
		return b.invoke(plan.handler, env.msg)
	})
	if err == nil {
		b.emitter.Emit("message_delivered", map[string]any{
			"id":        env.msg.ID,
			"recipient": env.msg.Recipient,
			"elapsedMs": time.Since(start).Milliseconds(),
		})
		b.release(env)
		return
	}

	b.emitter.Emit("message_delivery_failed", map[string]any{
		"id":        env.msg.ID,
		"recipient": env.msg.Recipient,
		"error":     err.Error(),
	})
	b.retryOrDeadLetter(env, err)
}

// deliverBroadcast issues one attempt per target participant in parallel and
// treats the whole as best-effort: individual failures dead-letter that
// participant's copy without failing the broadcast.
func (b *Bus) deliverBroadcast(env *envelope, targets map[string]broadcastTarget) {
	if len(targets) == 0 {
		b.release(env)
		return
	}
	g := new(errgroup.Group)
	for participant, target := range targets {
		participant, target := participant, target
		g.Go(func() error {
			b.deliverBroadcastCopy(env.msg, participant, target)
			return nil
		})
	}
	g.Wait()
	b.release(env)
}

func (b *Bus) deliverBroadcastCopy(msg core.Message, participant string, target broadcastTarget) {
	copyMsg := msg
	copyMsg.Recipient = participant

	start := time.Now()
	var err error
	if len(target.handlers) == 0 {
		err = core.Errorf(core.ErrParticipantNotFound, "participant %q has no live subscription", participant).
			With("participant", participant)
	} else {
		err = target.breaker.call(participant, func() error {
			return b.race(target.handlers, copyMsg)
		})
	}

	if err == nil {
		b.emitter.Emit("message_delivered", map[string]any{
			"id":        copyMsg.ID,
			"recipient": participant,
			"elapsedMs": time.Since(start).Milliseconds(),
		})
		return
	}

	b.emitter.Emit("message_delivery_failed", map[string]any{
		"id":        copyMsg.ID,
		"recipient": participant,
		"error":     err.Error(),
	})
	b.depositDeadLetter(DeadLetter{
		Message:   copyMsg,
		Error:     err.Error(),
		Timestamp: time.Now(),
	})
}

// race invokes every handler of a participant concurrently; the first
// success wins and failures only matter when all of them fail.
func (b *Bus) race(handlers []Handler, msg core.Message) error {
	if len(handlers) == 1 {
		return b.invoke(handlers[0], msg)
	}
	errCh := make(chan error, len(handlers))
	for _, h := range handlers {
		h := h
		go func() {
			errCh <- b.invoke(h, msg)
		}()
	}
	var lastErr error
	for range handlers {
		err := <-errCh
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// invoke runs one handler under the delivery deadline. On expiry the handler
// may still be running; the bus reports the failure and moves on.
func (b *Bus) invoke(h Handler, msg core.Message) error {
	timeout := msg.Timeout
	if timeout <= 0 {
		timeout = b.opts.HandlerTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h(ctx, msg)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return core.Errorf(core.ErrTimeout, "handler for %q exceeded %s", msg.Recipient, timeout).
			With("messageId", msg.ID)
	}
}

func (b *Bus) retryOrDeadLetter(env *envelope, err error) {
	env.lastErr = err
	if core.Retryable(err) && env.retries < b.opts.MaxRetries {
		env.retries++
		delay := retryBackoff(b.opts.RetryBaseDelay, env.retries)

		b.mu.Lock()
		if b.closed {
			b.size--
			b.mu.Unlock()
			return
		}
		seq := env.seq
		b.timers[seq] = time.AfterFunc(delay, func() {
			b.requeue(seq, env)
		})
		b.mu.Unlock()

		b.emitter.Emit("message_retry_scheduled", map[string]any{
			"id":      env.msg.ID,
			"attempt": env.retries,
			"delayMs": delay.Milliseconds(),
		})
		return
	}

	b.depositDeadLetter(DeadLetter{
		Message:   env.msg,
		Error:     err.Error(),
		Retries:   env.retries,
		Timestamp: time.Now(),
	})
	b.release(env)
}

func (b *Bus) requeue(seq uint64, env *envelope) {
	b.mu.Lock()
	delete(b.timers, seq)
	if b.closed {
		b.size--
		b.mu.Unlock()
		return
	}
	heap.Push(&b.heap, env)
	b.mu.Unlock()
	b.wakeUp()
}

func (b *Bus) depositDeadLetter(entry DeadLetter) {
	length := 0
	if b.opts.EnableDeadLetter {
		length = b.dlq.add(entry)
	}
	log.Warn().Str("id", entry.Message.ID).
		Str("recipient", entry.Message.Recipient).
		Str("error", entry.Error).
		Msg("message dead-lettered")
	b.emitter.Emit("message_dead_lettered", map[string]any{
		"id":          entry.Message.ID,
		"error":       entry.Error,
		"dequeLength": length,
	})
}

// retryBackoff doubles per attempt starting at twice the base delay and caps
// at thirty times the base.
func retryBackoff(base time.Duration, attempt int) time.Duration {
	cap := 30 * base
	if attempt > 5 {
		return cap
	}
	d := base * time.Duration(1<<uint(attempt))
	if d > cap {
		return cap
	}
	return d
}
