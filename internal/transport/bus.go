package transport

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrNilHandler = errors.New("transport handler is nil")

// Message is one envelope in flight between two nodes.
type Message struct {
	ID        string
	SenderID  int
	Recipient int
	Envelope  []byte
}

// Bus is an in-process mailbox. Messages for a recipient without a
// subscriber queue until Subscribe or Drain picks them up.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]func(Message)
	mailbox     map[int][]Message
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[int]func(Message)),
		mailbox:     make(map[int][]Message),
	}
}

// Publish assigns an ID when the message has none and returns it. A
// subscribed handler runs on its own goroutine per message, so live
// deliveries may overlap and arrive out of publish order.
func (b *Bus) Publish(msg Message) string {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Envelope = append([]byte(nil), msg.Envelope...)

	b.mu.Lock()
	defer b.mu.Unlock()
	if handler, ok := b.subscribers[msg.Recipient]; ok {
		go handler(msg)
		return msg.ID
	}
	b.mailbox[msg.Recipient] = append(b.mailbox[msg.Recipient], msg)
	return msg.ID
}

// Subscribe replaces any previous handler for recipient and replays queued
// messages synchronously, in publish order, before returning.
func (b *Bus) Subscribe(recipient int, handler func(Message)) error {
	if handler == nil {
		return ErrNilHandler
	}
	b.mu.Lock()
	b.subscribers[recipient] = handler
	pending := append([]Message(nil), b.mailbox[recipient]...)
	delete(b.mailbox, recipient)
	b.mu.Unlock()

	for _, msg := range pending {
		handler(msg)
	}
	return nil
}

func (b *Bus) Unsubscribe(recipient int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, recipient)
}

// Drain removes and returns every queued message for recipient.
func (b *Bus) Drain(recipient int) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.mailbox[recipient]
	delete(b.mailbox, recipient)
	return out
}

func (b *Bus) Pending(recipient int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.mailbox[recipient])
}
