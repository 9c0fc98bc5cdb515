// Copyright 2026 Yusuf Aye. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"fmt"
	"sync"
)

// Conn is one FIFO-ordered connection to a remote endpoint: Send enqueues a
// message (never blocks the caller past a bounded backlog), Recv delivers
// messages in the order Send was called. Closing a connection after sending
// a FINISHED message is the documented teardown signal.
type Conn interface {
	Send(ctx context.Context, msg Message) error
	Recv(ctx context.Context) (Message, error)
	Close() error
}

// Bus constructs and tracks named connections. Implementations: MemBus (an
// in-process, channel-backed bus for tests and single-binary demos) and
// TCPBus (a real net.Dial/net.Listen bus with reconnect/backoff).
type Bus interface {
	Dial(ctx context.Context, name string) (Conn, error)
	Listen(ctx context.Context, name string, onAccept func(Conn)) error
	Close() error
}

// memConn is a MemBus-backed Conn: a single bounded channel per direction,
// shared between the two peers a MemBus.Dial/Listen pair creates.
type memConn struct {
	send   chan<- Message
	recv   <-chan Message
	closed chan struct{}
	once   sync.Once
}

func (c *memConn) Send(ctx context.Context, msg Message) error {
	select {
	case c.send <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return fmt.Errorf("transport: connection closed")
	}
}

func (c *memConn) Recv(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-c.recv:
		if !ok {
			return Message{}, fmt.Errorf("transport: connection closed")
		}
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-c.closed:
		return Message{}, fmt.Errorf("transport: connection closed")
	}
}

func (c *memConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// MemBus is an in-process message bus, grounded on the teacher's
// LoggingRedisEvaler/LoggingKafkaProducer "demo, no infrastructure needed"
// adapters: it lets controller/worker choreography be exercised in unit and
// integration tests without a real network. One named Listen call pairs
// with any number of Dial calls on the same name, each Dial spawning a new
// accepted connection on the listening side.
type MemBus struct {
	mu        sync.Mutex
	listeners map[string]func(Conn)
}

// NewMemBus constructs an empty MemBus.
func NewMemBus() *MemBus {
	return &MemBus{listeners: make(map[string]func(Conn))}
}

const memBusBacklog = 64

// Listen registers onAccept to be invoked, once per Dial, with the
// listener-side Conn.
func (b *MemBus) Listen(_ context.Context, name string, onAccept func(Conn)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.listeners[name]; exists {
		return fmt.Errorf("transport: %q is already listening", name)
	}
	b.listeners[name] = onAccept
	return nil
}

// Dial connects to a previously Listen-registered name, returning the
// dialer-side Conn. The listener's onAccept is invoked synchronously with
// its paired Conn before Dial returns.
func (b *MemBus) Dial(_ context.Context, name string) (Conn, error) {
	b.mu.Lock()
	onAccept, ok := b.listeners[name]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transport: no listener registered for %q", name)
	}

	toServer := make(chan Message, memBusBacklog)
	toClient := make(chan Message, memBusBacklog)
	closed := make(chan struct{})

	serverSide := &memConn{send: toClient, recv: toServer, closed: closed}
	clientSide := &memConn{send: toServer, recv: toClient, closed: closed}

	onAccept(serverSide)
	return clientSide, nil
}

// Close is a no-op for MemBus: connections are closed individually, and the
// bus itself holds no OS resources.
func (b *MemBus) Close() error {
	return nil
}
