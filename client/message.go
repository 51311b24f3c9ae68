// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync"

	"github.com/absmach/fluxlink/connection"
)

// Message is an inbound message. It must be settled with Ack or Nack once.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
	Headers  map[string]string

	once sync.Once
	ack  func() error
	nack func() error
}

// NewMessage builds a message whose settlement is delegated to ack and nack.
// Either function may be nil.
func NewMessage(topic string, payload []byte, qos byte, headers map[string]string, ack, nack func() error) *Message {
	return &Message{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Headers: headers,
		ack:     ack,
		nack:    nack,
	}
}

// Ack confirms the message. Only the first settlement has an effect.
func (m *Message) Ack() error {
	return m.settle(m.ack)
}

// Nack rejects the message so the broker may redeliver it.
func (m *Message) Nack() error {
	return m.settle(m.nack)
}

func (m *Message) settle(fn func() error) error {
	var err error
	m.once.Do(func() {
		if fn != nil {
			err = fn()
		}
	})
	return err
}

// OutboundMessage is sent by the publisher role.
type OutboundMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
	Headers map[string]string
}

// Stream is the inbound side of one subscribed source.
type Stream interface {
	// Messages delivers inbound messages until Done is closed.
	Messages() <-chan *Message
	Done() <-chan struct{}
	Close() error
}

// SubscribeResult is the outcome of subscribing one source. Exactly one of
// Stream and Err is set.
type SubscribeResult struct {
	Index  int
	Source connection.Source
	Stream Stream
	Err    error
}

// OK reports whether the source was subscribed.
func (r SubscribeResult) OK() bool {
	return r.Err == nil && r.Stream != nil
}

// ChanStream is a Stream backed by a buffered channel.
type ChanStream struct {
	ch      chan *Message
	done    chan struct{}
	once    sync.Once
	onClose func()
}

// NewChanStream returns a stream with the given buffer. onClose runs once on Close.
func NewChanStream(buffer int, onClose func()) *ChanStream {
	return &ChanStream{
		ch:      make(chan *Message, buffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (s *ChanStream) Messages() <-chan *Message {
	return s.ch
}

// Push delivers msg, blocking while the buffer is full. It returns
// ErrStreamClosed once the stream is closed.
func (s *ChanStream) Push(msg *Message) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}
	select {
	case s.ch <- msg:
		return nil
	case <-s.done:
		return ErrStreamClosed
	}
}

// Done is closed when the stream is closed.
func (s *ChanStream) Done() <-chan struct{} {
	return s.done
}

// Close ends the stream. Pending messages stay readable.
func (s *ChanStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}
