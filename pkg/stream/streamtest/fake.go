// Package streamtest provides an in-memory execution stream for tests.
package streamtest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ignatij/execflow/pkg/models"
	"github.com/ignatij/execflow/pkg/stream"
	"github.com/pkg/errors"
)

const waitTimeout = 2 * time.Second

var errLocallyClosed = errors.New("use of closed connection")

// Conn is the client half of a scripted connection; the test plays the server.
type Conn struct {
	inbound chan []byte
	errs    chan error
	sent    chan []byte
	done    chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	sendErr   error
	closes    int
}

func NewConn() *Conn {
	return &Conn{
		inbound: make(chan []byte),
		errs:    make(chan error, 1),
		sent:    make(chan []byte, 8),
		done:    make(chan struct{}),
	}
}

func (c *Conn) Send(payload []byte) error {
	c.mu.Lock()
	err := c.sendErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errLocallyClosed
	default:
	}
	c.sent <- append([]byte(nil), payload...)
	return nil
}

func (c *Conn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	case err := <-c.errs:
		return nil, err
	case <-c.done:
		return nil, errLocallyClosed
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Closed reports whether the client closed the connection.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// CloseCalls returns how many times Close was called.
func (c *Conn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// FailSends makes every later Send return err.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// WaitStart returns the start frame the client sent.
func (c *Conn) WaitStart() (models.StartFrame, error) {
	select {
	case payload := <-c.sent:
		var start models.StartFrame
		if err := json.Unmarshal(payload, &start); err != nil {
			return models.StartFrame{}, errors.Wrap(err, "decode start frame")
		}
		return start, nil
	case <-time.After(waitTimeout):
		return models.StartFrame{}, errors.New("timed out waiting for start frame")
	}
}

// Push delivers a frame to the client and waits until it was read.
func (c *Conn) Push(frame models.Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.PushRaw(payload)
}

// PushRaw delivers raw bytes, valid JSON or not.
func (c *Conn) PushRaw(payload []byte) error {
	select {
	case c.inbound <- payload:
		return nil
	case <-c.done:
		return errLocallyClosed
	case <-time.After(waitTimeout):
		return errors.New("timed out pushing frame")
	}
}

// CloseFromServer simulates the server closing the stream.
func (c *Conn) CloseFromServer() {
	c.errs <- errors.Wrap(stream.ErrClosed, "server closed")
}

// Break simulates a transport failure.
func (c *Conn) Break(err error) {
	c.errs <- err
}

// Dialer hands out a new Conn per Dial.
type Dialer struct {
	conns chan *Conn

	mu      sync.Mutex
	err     error
	sendErr error
}

func NewDialer() *Dialer {
	return &Dialer{conns: make(chan *Conn, 16)}
}

// FailDials makes every later Dial return err.
func (d *Dialer) FailDials(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

// FailSends makes Send fail on every connection dialed afterwards.
func (d *Dialer) FailSends(err error) {
	d.mu.Lock()
	d.sendErr = err
	d.mu.Unlock()
}

func (d *Dialer) Dial(ctx context.Context) (stream.Conn, error) {
	d.mu.Lock()
	err, sendErr := d.err, d.sendErr
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := NewConn()
	c.sendErr = sendErr
	d.conns <- c
	return c, nil
}

// Next returns the next dialed connection.
func (d *Dialer) Next() (*Conn, error) {
	select {
	case c := <-d.conns:
		return c, nil
	case <-time.After(waitTimeout):
		return nil, errors.New("timed out waiting for dial")
	}
}
