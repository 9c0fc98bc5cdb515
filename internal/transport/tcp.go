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
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// tcpMaxRetries and tcpRetryBackoff mirror the original OutPort's
// schedule_retry: a fixed 3-second sleep between dial attempts, capped at 20
// retries after the first attempt before giving up.
const (
	tcpMaxRetries   = 20
	tcpRetryBackoff = 3 * time.Second
)

// TCPBus is a real network Bus: Listen opens a net.Listener and hands every
// accepted connection to onAccept; Dial opens a net.Conn, retrying a failed
// dial up to tcpMaxRetries times with tcpRetryBackoff between attempts,
// grounded on the original OutPort. An established connection is not
// redialed.
type TCPBus struct {
	log *logrus.Entry

	mu        sync.Mutex
	listeners []net.Listener
}

// NewTCPBus constructs a TCPBus. A nil log defaults to the standard logger.
func NewTCPBus(log *logrus.Entry) *TCPBus {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TCPBus{log: log}
}

// Listen binds addr (host:port, passed as name) and invokes onAccept once
// per accepted connection, each wrapped in its own goroutine-free tcpConn.
// Listen returns once addr is bound; accepting runs in a background
// goroutine until ctx is cancelled or the listener errors.
func (b *TCPBus) Listen(ctx context.Context, addr string, onAccept func(Conn)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}

	b.mu.Lock()
	b.listeners = append(b.listeners, ln)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				b.log.WithError(err).Info("transport: listener closed")
				return
			}
			onAccept(newTCPConn(conn, b.log))
		}
	}()

	return nil
}

// Dial connects to addr, retrying with backoff if the initial attempt
// fails. The returned Conn does not redial: a send or receive failure after
// the connection is established is returned to the caller.
func (b *TCPBus) Dial(ctx context.Context, addr string) (Conn, error) {
	conn, err := dialWithRetry(ctx, addr, b.log)
	if err != nil {
		return nil, err
	}
	return newTCPConn(conn, b.log), nil
}

func dialWithRetry(ctx context.Context, addr string, log *logrus.Entry) (net.Conn, error) {
	var lastErr error
	for attempt := 0; attempt <= tcpMaxRetries; attempt++ {
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.WithError(err).WithField("attempt", attempt+1).Warn("transport: dial failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(tcpRetryBackoff):
		}
	}
	return nil, fmt.Errorf("transport: giving up dialing %s after %d retries: %w", addr, tcpMaxRetries, lastErr)
}

// Close shuts down every listener this bus has opened.
func (b *TCPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for _, ln := range b.listeners {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// tcpConn frames messages as a 4-byte big-endian length prefix followed by
// the JSON encoding of a Message, over a single net.Conn.
type tcpConn struct {
	log *logrus.Entry

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

func newTCPConn(conn net.Conn, log *logrus.Entry) *tcpConn {
	return &tcpConn{conn: conn, reader: bufio.NewReader(conn), log: log}
}

func (c *tcpConn) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: encode message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if _, err := c.conn.Write(header); err != nil {
		return fmt.Errorf("transport: write frame header: %w", err)
	}
	if _, err := c.conn.Write(payload); err != nil {
		return fmt.Errorf("transport: write frame body: %w", err)
	}
	return nil
}

func (c *tcpConn) Recv(ctx context.Context) (Message, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(c.reader, header); err != nil {
		return Message{}, fmt.Errorf("transport: read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header)

	body := make([]byte, size)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return Message{}, fmt.Errorf("transport: read frame body: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("transport: decode message: %w", err)
	}
	return msg, nil
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}
