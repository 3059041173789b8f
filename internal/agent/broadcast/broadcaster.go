package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

// droppableEvents are events whose loss under backpressure is acceptable:
// streaming deltas arrive often enough that dropping one is invisible to the
// final persisted message. Every other event (block boundaries, lifecycle,
// confirmations, errors) is non-droppable and must never be lost, mirroring
// BackpressureSink.isDroppableEvent's split in event_sink.go.
var droppableEvents = map[EventType]struct{}{
	EventContentDelta:  {},
	EventThinkingDelta: {},
	EventInputDelta:    {},
}

func isDroppable(t EventType) bool {
	_, ok := droppableEvents[t]
	return ok
}

// Subscriber receives events for one session via a buffered channel. Slow
// subscribers lose droppable events once the channel fills rather than
// blocking the broadcaster.
type Subscriber struct {
	ch      chan Event
	done    chan struct{}
	dropped uint64
}

// Events returns the subscriber's event channel.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Done is closed when the subscriber is unregistered (its context was
// canceled). Events already buffered in the channel remain readable;
// consumers should drain Events non-blockingly after Done fires.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Dropped returns the number of droppable events lost to backpressure.
func (s *Subscriber) Dropped() uint64 { return atomic.LoadUint64(&s.dropped) }

type sessionState struct {
	mu        sync.Mutex
	seq       uint64
	messageID string
	acc       *ContentAccumulator
	// replay is a bounded ring of recently emitted events, for subscribers
	// resuming from a given seq.
	replay      []Event
	replayCap   int
	subscribers map[*Subscriber]struct{}
}

// Broadcaster is the EventBroadcaster: it assigns strictly monotonic
// per-session sequence numbers, accumulates content blocks into a durable
// message via ContentAccumulator, and publishes to subscribers. Grounded on
// EventEmitter (atomic nextSeq) and EventSink/BackpressureSink (two-lane
// publish).
type Broadcaster struct {
	mu        sync.Mutex
	sessions  map[string]*sessionState
	replayCap int
	subBuffer int
}

// NewBroadcaster creates a Broadcaster. replayCap bounds the per-session
// replay buffer;
// subBuffer bounds each subscriber's channel.
func NewBroadcaster(replayCap, subBuffer int) *Broadcaster {
	if replayCap <= 0 {
		replayCap = 256
	}
	if subBuffer <= 0 {
		subBuffer = 64
	}
	return &Broadcaster{
		sessions:  make(map[string]*sessionState),
		replayCap: replayCap,
		subBuffer: subBuffer,
	}
}

func (b *Broadcaster) session(sessionID string) *sessionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		s = &sessionState{
			acc:         NewContentAccumulator(),
			replayCap:   b.replayCap,
			subscribers: make(map[*Subscriber]struct{}),
		}
		b.sessions[sessionID] = s
	}
	return s
}

// Subscribe registers a new subscriber for sessionID. The subscriber is
// first fed any buffered events with Seq > afterSeq from the replay buffer
// (afterSeq 0 replays the whole buffer) before receiving live events.
func (b *Broadcaster) Subscribe(ctx context.Context, sessionID string, afterSeq uint64) *Subscriber {
	s := b.session(sessionID)
	sub := &Subscriber{ch: make(chan Event, b.subBuffer), done: make(chan struct{})}

	s.mu.Lock()
	for _, e := range s.replay {
		if e.Seq <= afterSeq {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			atomic.AddUint64(&sub.dropped, 1)
		}
	}
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subscribers, sub)
		s.mu.Unlock()
		close(sub.done)
	}()
	return sub
}

// publish stamps the event with the next sequence number, appends it to the
// replay buffer, and fans it out to subscribers (dropping droppable events
// for subscribers whose channel is full).
func (b *Broadcaster) publish(sessionID, messageID string, evtType EventType, data any) Event {
	s := b.session(sessionID)
	s.mu.Lock()
	s.seq++
	event := Event{
		Type:      evtType,
		Data:      data,
		Seq:       s.seq,
		MessageID: messageID,
		SessionID: sessionID,
	}
	s.replay = append(s.replay, event)
	if len(s.replay) > s.replayCap {
		s.replay = s.replay[len(s.replay)-s.replayCap:]
	}
	subs := make([]*Subscriber, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		if isDroppable(evtType) {
			select {
			case sub.ch <- event:
			default:
				atomic.AddUint64(&sub.dropped, 1)
			}
			continue
		}
		// Non-droppable: block briefly, then drop with accounting rather
		// than stall the whole broadcaster on one wedged subscriber.
		select {
		case sub.ch <- event:
		case <-sub.done:
			atomic.AddUint64(&sub.dropped, 1)
		case <-time.After(2 * time.Second):
			atomic.AddUint64(&sub.dropped, 1)
		}
	}
	return event
}

// StartMessage begins a new assistant message, resetting BlockState.
func (b *Broadcaster) StartMessage(sessionID, messageID string) Event {
	s := b.session(sessionID)
	s.mu.Lock()
	s.messageID = messageID
	s.acc.Reset()
	s.mu.Unlock()
	return b.publish(sessionID, messageID, EventMessageStart, nil)
}

// StartBlock closes any open block then emits content_start with a new
// index.
func (b *Broadcaster) StartBlock(sessionID string, blockType models.ContentBlockType, toolUseID, toolName string) Event {
	s := b.session(sessionID)
	s.mu.Lock()
	idx := s.acc.StartBlock(blockType, toolUseID, toolName)
	msgID := s.messageID
	s.mu.Unlock()

	initial := map[string]any{}
	if toolUseID != "" {
		initial["id"] = toolUseID
	}
	if toolName != "" {
		initial["name"] = toolName
	}
	return b.publish(sessionID, msgID, EventContentStart, ContentStartData{Index: idx, Type: blockType, Initial: initial})
}

// Delta appends to the currently open block and emits content_delta.
func (b *Broadcaster) Delta(sessionID, fragment string) Event {
	s := b.session(sessionID)
	s.mu.Lock()
	idx := s.acc.state.CurrentIndex
	s.acc.Delta(idx, fragment)
	msgID := s.messageID
	blockType := s.acc.state.CurrentType
	s.mu.Unlock()

	evtType := EventContentDelta
	if blockType == models.ContentBlockThinking {
		evtType = EventThinkingDelta
	} else if blockType == models.ContentBlockToolUse {
		evtType = EventInputDelta
	}
	return b.publish(sessionID, msgID, evtType, ContentDeltaData{Index: idx, Text: fragment})
}

// StopBlock finalizes the open block and emits content_stop. The returned
// error is non-nil only if a tool_use block's input failed to parse as
// JSON; the caller decides whether that is fatal to the turn.
func (b *Broadcaster) StopBlock(sessionID, signature string) (Event, models.ContentBlock, error) {
	s := b.session(sessionID)
	s.mu.Lock()
	idx := s.acc.state.CurrentIndex
	block, err := s.acc.StopBlock(signature)
	msgID := s.messageID
	s.mu.Unlock()

	event := b.publish(sessionID, msgID, EventContentStop, ContentStopData{Index: idx, Signature: signature})
	return event, block, err
}

// EmitBlock is an atomic start+stop for non-streaming content (tool_result).
func (b *Broadcaster) EmitBlock(sessionID string, complete models.ContentBlock) (Event, Event) {
	startEvt := b.StartBlock(sessionID, complete.Type, complete.ToolResultForID, "")
	s := b.session(sessionID)
	s.mu.Lock()
	idx := s.acc.state.CurrentIndex
	buf := s.acc.buffers[idx]
	if buf != nil {
		buf.text.WriteString(complete.Content)
	}
	_, _ = s.acc.closeCurrent("")
	msgID := s.messageID
	s.mu.Unlock()
	stopEvt := b.publish(sessionID, msgID, EventContentStop, ContentStopData{Index: idx})
	return startEvt, stopEvt
}

// DiscardOpenBlock discards the currently open (possibly malformed) block
// without emitting it, used on mid-stream LLM errors.
func (b *Broadcaster) DiscardOpenBlock(sessionID string) {
	s := b.session(sessionID)
	s.mu.Lock()
	s.acc.DiscardOpen()
	s.mu.Unlock()
}

// EmitMessageDelta emits terminal per-message usage accounting.
func (b *Broadcaster) EmitMessageDelta(sessionID string, data MessageDeltaData) Event {
	s := b.session(sessionID)
	s.mu.Lock()
	msgID := s.messageID
	s.mu.Unlock()
	return b.publish(sessionID, msgID, EventMessageDelta, data)
}

// EmitMessageStop emits message_stop and returns the finalized blocks
// accumulated for the message, for the caller to persist.
func (b *Broadcaster) EmitMessageStop(sessionID string) (Event, []models.ContentBlock) {
	s := b.session(sessionID)
	s.mu.Lock()
	msgID := s.messageID
	blocks := s.acc.Blocks()
	s.mu.Unlock()
	return b.publish(sessionID, msgID, EventMessageStop, nil), blocks
}

// EmitWarning emits a non-blocking warning event (e.g. cost_warn payloads
// are published via Emit with EventCostWarn directly).
func (b *Broadcaster) EmitWarning(sessionID, message string) Event {
	s := b.session(sessionID)
	s.mu.Lock()
	msgID := s.messageID
	s.mu.Unlock()
	return b.publish(sessionID, msgID, EventWarning, ErrorData{UserMessage: message})
}

// EmitError emits a user-visible error event.
func (b *Broadcaster) EmitError(sessionID, errorType, userMessage string, recoverable bool) Event {
	s := b.session(sessionID)
	s.mu.Lock()
	msgID := s.messageID
	s.mu.Unlock()
	return b.publish(sessionID, msgID, EventError, ErrorData{ErrorType: errorType, UserMessage: userMessage, Recoverable: recoverable})
}

// Emit publishes an arbitrary event type with the given data, for the
// executor's suspension-protocol and backtrack events (hitl_confirm,
// backtrack, rollback_options, ...) that don't go through the content
// accumulator.
func (b *Broadcaster) Emit(sessionID string, evtType EventType, data any) Event {
	s := b.session(sessionID)
	s.mu.Lock()
	msgID := s.messageID
	s.mu.Unlock()
	return b.publish(sessionID, msgID, evtType, data)
}

// CurrentBlockState exposes the session's BlockState, for tests and for the
// executor's malformed-stream handling.
func (b *Broadcaster) CurrentBlockState(sessionID string) BlockState {
	s := b.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acc.State()
}
