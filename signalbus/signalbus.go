// Package signalbus implements the one-way event channel from any pipeline
// stage to an external observer: a bounded fan-out of typed events, one
// per significant state change.
package signalbus

import (
	"context"
	"log/slog"
	"sync"
)

// Kind identifies the type of a signal-bus event.
type Kind string

const (
	InputSignalLocked Kind = "INPUT_SIGNAL_LOCKED"
	NoInputSignal     Kind = "NO_INPUT_SIGNAL"

	SCTE35Start       Kind = "SCTE35_START"
	SCTE35End         Kind = "SCTE35_END"
	SCTE35Triggered   Kind = "SCTE35_TRIGGERED"
	SCTE35DropMessage Kind = "SCTE35_DROP_MESSAGE"

	FrameVideoFiller Kind = "FRAME_VIDEO_FILLER"
	FrameAudioFiller Kind = "FRAME_AUDIO_FILLER"
	FrameRepeat      Kind = "FRAME_REPEAT"
	InsertSilence    Kind = "INSERT_SILENCE"
	DropAudio        Kind = "DROP_AUDIO"

	HighCPU          Kind = "HIGH_CPU"
	DecodeError      Kind = "DECODE_ERROR"
	ParseEncodeError Kind = "PARSE_ENCODE_ERROR"

	ErrorAVSync  Kind = "ERROR_AVSYNC"
	ErrorNALPool Kind = "ERROR_NALPOOL"
	ErrorMsgPool Kind = "ERROR_MSGPOOL"
	ErrorRawPool Kind = "ERROR_RAWPOOL"
	ErrorCPU     Kind = "ERROR_CPU"
	ErrorIP      Kind = "ERROR_IP"
	ErrorUnknown Kind = "ERROR_UNKNOWN"

	ServiceRestart Kind = "SERVICE_RESTART"
	MalformedData  Kind = "MALFORMED_DATA"
)

// fatalKinds are the events that accompany an immediate process exit
// rather than a recoverable or soft-restart condition.
var fatalKinds = map[Kind]bool{
	ErrorAVSync:  true,
	ErrorNALPool: true,
	ErrorMsgPool: true,
	ErrorRawPool: true,
	ErrorCPU:     true,
	ErrorUnknown: true,
}

// Fatal reports whether kind is one of the process-terminating event kinds.
func Fatal(k Kind) bool { return fatalKinds[k] }

// Event is a single signal-bus notification: a kind plus a human-readable
// message.
type Event struct {
	Kind    Kind
	Message string
	Source  string // component or stream identifier, e.g. "normalizer[2]"
}

// Bus fans events out to any number of subscribers without blocking
// producers.
type Bus struct {
	log *slog.Logger

	mu   sync.Mutex
	subs []chan Event
}

// New creates a Bus.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log.With("component", "signalbus")}
}

// Emit sends an event onto the bus, logging it at warning for recoverable
// conditions and error for fatal ones.
// Emit never blocks: if the internal channel is full the event is logged
// and dropped, since a stalled observer must never back-pressure the
// pipeline it is supposed to be watching.
func (b *Bus) Emit(e Event) {
	level := slog.LevelWarn
	if Fatal(e.Kind) {
		level = slog.LevelError
	}
	b.log.Log(context.Background(), level, string(e.Kind), "message", e.Message, "source", e.Source)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub <- e:
		default:
			b.log.Warn("signal bus subscriber buffer full, dropping event", "kind", e.Kind)
		}
	}
}

// Subscribe returns a channel that receives every future event. The
// returned channel is closed (and the subscription removed) when ctx is
// cancelled.
func (b *Bus) Subscribe(ctx context.Context, buffer int) <-chan Event {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subs {
			if sub == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch
}
