// Package transporttest provides in-memory publisher and subscriber fakes for
// exercising code that runs on top of a transport.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Published is one message handed to Publisher.Publish.
type Published struct {
	Topic   string
	Message *message.Message
}

// Publisher records published messages.
type Publisher struct {
	mu        sync.Mutex
	published []Published
	closed    bool

	// Err is returned from every Publish call when set.
	Err error
	// Block, when non-nil, holds every Publish call until it is closed.
	Block chan struct{}
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	if p.Block != nil {
		<-p.Block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("publisher closed")
	}
	if p.Err != nil {
		return p.Err
	}
	for _, msg := range messages {
		p.published = append(p.published, Published{Topic: topic, Message: msg})
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Published returns a snapshot of everything published so far.
func (p *Publisher) Published() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Published(nil), p.published...)
}

// Closed reports whether Close was called.
func (p *Publisher) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

const bufferSize = 64

// Subscriber hands out one buffered channel per topic. Messages queued with
// Deliver before anyone subscribes wait in the buffer.
type Subscriber struct {
	mu          sync.Mutex
	outputs     map[string]chan *message.Message
	subscribes  map[string]int
	initialized map[string]int
	closed      bool

	// SubscribeErr is returned from Subscribe when set.
	SubscribeErr error
	// InitializeErr is returned from SubscribeInitialize when set.
	InitializeErr error
}

// NewSubscriber returns an empty subscriber.
func NewSubscriber() *Subscriber {
	return &Subscriber{
		outputs:     make(map[string]chan *message.Message),
		subscribes:  make(map[string]int),
		initialized: make(map[string]int),
	}
}

func (s *Subscriber) output(topic string) chan *message.Message {
	ch, ok := s.outputs[topic]
	if !ok {
		ch = make(chan *message.Message, bufferSize)
		s.outputs[topic] = ch
	}
	return ch
}

func (s *Subscriber) Subscribe(_ context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("subscriber closed")
	}
	if s.SubscribeErr != nil {
		return nil, s.SubscribeErr
	}
	s.subscribes[topic]++
	return s.output(topic), nil
}

// SubscribeInitialize implements message.SubscribeInitializer.
func (s *Subscriber) SubscribeInitialize(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized[topic]++
	return s.InitializeErr
}

// Deliver queues msg on topic. It fails when the subscriber is closed or
// the topic buffer is full.
func (s *Subscriber) Deliver(topic string, msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("subscriber closed")
	}
	select {
	case s.output(topic) <- msg:
		return nil
	default:
		return errors.New("topic buffer full")
	}
}

// Subscriptions returns how many times topic was subscribed to.
func (s *Subscriber) Subscriptions(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes[topic]
}

// Initializations returns how many times topic was provisioned.
func (s *Subscriber) Initializations(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized[topic]
}

// Closed reports whether Close was called.
func (s *Subscriber) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, ch := range s.outputs {
		close(ch)
	}
	return nil
}
