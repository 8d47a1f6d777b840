package s2s

import (
	"context"
	"errors"
	"sync"
)

// ErrOutboxClosed is returned by [Outbox.Next] after Close.
var ErrOutboxClosed = errors.New("s2s: outbox closed")

// Outbox is the outbound message queue between a session's public send
// methods and its single writer goroutine. Audio is bounded and drops the
// oldest frame when full; control messages such as tool results are never
// dropped and are written ahead of queued audio.
type Outbox struct {
	mu      sync.Mutex
	audio   [][]byte
	control [][]byte
	limit   int
	closed  bool
	notify  chan struct{}

	sent    int64
	dropped int64
}

// NewOutbox returns an outbox holding at most limit audio messages.
func NewOutbox(limit int) *Outbox {
	if limit <= 0 {
		limit = DefaultSendQueue
	}
	return &Outbox{limit: limit, notify: make(chan struct{}, 1)}
}

// PushAudio queues an encoded audio message and reports whether an older
// message had to be discarded. It is a no-op after Close.
func (o *Outbox) PushAudio(msg []byte) (dropped bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	if len(o.audio) >= o.limit {
		o.audio[0] = nil
		o.audio = o.audio[1:]
		o.dropped++
		dropped = true
	}
	o.audio = append(o.audio, msg)
	o.signal()
	return dropped
}

// PushControl queues a control message. It is a no-op after Close.
func (o *Outbox) PushControl(msg []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.control = append(o.control, msg)
	o.signal()
}

func (o *Outbox) signal() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a message is available, ctx is done, or the outbox is
// closed. Control messages are returned before audio.
func (o *Outbox) Next(ctx context.Context) ([]byte, error) {
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return nil, ErrOutboxClosed
		}
		var msg []byte
		switch {
		case len(o.control) > 0:
			msg = o.control[0]
			o.control = o.control[1:]
		case len(o.audio) > 0:
			msg = o.audio[0]
			o.audio[0] = nil
			o.audio = o.audio[1:]
			o.sent++
		}
		o.mu.Unlock()
		if msg != nil {
			return msg, nil
		}

		select {
		case <-o.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close discards everything queued and wakes a blocked Next.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.audio = nil
	o.control = nil
	o.signal()
}

// Stats returns the audio counters.
func (o *Outbox) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Stats{AudioSent: o.sent, AudioDropped: o.dropped}
}
