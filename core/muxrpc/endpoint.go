// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

package muxrpc

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"gopkg.in/op/go-logging.v1"

	"github.com/fern-gossip/fern/core/crypto/identity"
	"github.com/fern-gossip/fern/core/worker"
)

const (
	defaultQueueLength  = 16
	sourceBufferLength  = 32
	endOfStreamResponse = "true"
)

// EndpointConfig configures an Endpoint.
type EndpointConfig struct {
	// Mux serves incoming requests.  A nil Mux answers every request with
	// an error.
	Mux *Mux

	// Log is the connection's logger.
	Log *logging.Logger

	// Peer is the authenticated remote identity, if any.
	Peer *identity.Identity

	// MaxPayloadLength bounds received frames, see NewStream.
	MaxPayloadLength uint32

	// QueueLength is the number of requests buffered ahead of the handler.
	QueueLength int

	// OnHandlerError is invoked whenever a local handler fails.
	OnHandlerError func(name string, err error)
}

type call struct {
	name     string
	frames   chan *Frame
	cancelCh chan struct{}
}

// Endpoint runs RPC over one connection.  A single read loop owns the
// stream's read side; incoming requests are handled one at a time in
// arrival order by a second goroutine, while responses are routed to the
// pending local calls.
type Endpoint struct {
	worker.Worker
	sync.Mutex

	conn   io.ReadWriteCloser
	stream *Stream
	cfg    EndpointConfig
	log    *logging.Logger

	nextID  int32
	pending map[int32]*call

	reqCh chan *Frame

	ctx    context.Context
	cancel context.CancelFunc

	closing   uint32
	closeOnce sync.Once
	doneOnce  sync.Once
	doneCh    chan struct{}
	err       error
}

// NewEndpoint starts serving RPC over conn.
func NewEndpoint(conn io.ReadWriteCloser, cfg *EndpointConfig) *Endpoint {
	e := &Endpoint{
		conn:    conn,
		stream:  NewStream(conn, cfg.MaxPayloadLength),
		cfg:     *cfg,
		log:     cfg.Log,
		pending: make(map[int32]*call),
		doneCh:  make(chan struct{}),
	}
	if e.log == nil {
		e.log = logging.MustGetLogger("muxrpc")
	}
	qLen := cfg.QueueLength
	if qLen <= 0 {
		qLen = defaultQueueLength
	}
	e.reqCh = make(chan *Frame, qLen)
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.Go(e.readLoop)
	e.Go(e.handlerLoop)
	return e
}

// Peer returns the remote identity, nil for local connections.
func (e *Endpoint) Peer() *identity.Identity {
	return e.cfg.Peer
}

// Done is closed once the connection has ended.
func (e *Endpoint) Done() <-chan struct{} {
	return e.doneCh
}

// Err returns the reason the connection ended, nil for a clean goodbye.
func (e *Endpoint) Err() error {
	<-e.doneCh
	return e.err
}

// Close says goodbye, closes the connection and waits for the endpoint's
// goroutines.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		atomic.StoreUint32(&e.closing, 1)
		if err := e.stream.Goodbye(); err != nil && !errors.Is(err, ErrClosed) {
			e.log.Debugf("Failed to send goodbye: %v", err)
		}
		e.conn.Close()
		e.Halt()
	})
	return nil
}

func (e *Endpoint) finish(err error) {
	e.doneOnce.Do(func() {
		if atomic.LoadUint32(&e.closing) == 1 {
			err = nil
		}
		e.err = err
		e.cancel()
		e.conn.Close()

		e.Lock()
		for id, c := range e.pending {
			delete(e.pending, id)
			close(c.frames)
		}
		close(e.doneCh)
		e.Unlock()
	})
}

func (e *Endpoint) readLoop() {
	for {
		f, err := e.stream.Next()
		if err != nil {
			if atomic.LoadUint32(&e.closing) == 0 {
				e.log.Debugf("Read failed: %v", err)
			}
			e.finish(err)
			return
		}
		if !f.Alive() {
			e.log.Debugf("Peer said goodbye.")
			if err := e.stream.Goodbye(); err != nil && !errors.Is(err, ErrClosed) {
				e.log.Debugf("Failed to return goodbye: %v", err)
			}
			e.finish(nil)
			return
		}

		if f.RequestID > 0 {
			select {
			case e.reqCh <- f:
			case <-e.HaltCh():
				e.finish(nil)
				return
			}
			continue
		}
		e.dispatchResponse(f)
	}
}

func isTerminal(f *Frame) bool {
	return !f.IsStream || f.EndOfStream
}

func (e *Endpoint) dispatchResponse(f *Frame) {
	id := -f.RequestID

	e.Lock()
	c, ok := e.pending[id]
	if ok && isTerminal(f) {
		delete(e.pending, id)
	}
	e.Unlock()
	if !ok {
		e.log.Debugf("Dropping response for unknown request %d.", id)
		return
	}

	select {
	case c.frames <- f:
	case <-c.cancelCh:
	case <-e.HaltCh():
	}
	if isTerminal(f) {
		close(c.frames)
	}
}

func (e *Endpoint) handlerLoop() {
	for {
		select {
		case <-e.HaltCh():
			return
		case <-e.doneCh:
			return
		case f := <-e.reqCh:
			e.handle(f)
		}
	}
}

func (e *Endpoint) handle(f *Frame) {
	req := new(Request)
	if err := f.Decode(req); err != nil || req.Name == "" {
		e.log.Debugf("Malformed request %d: %v", f.RequestID, err)
		e.sendError(f.RequestID, f.IsStream, "malformed request")
		return
	}
	req.Stream = f.IsStream
	req.Peer = e.cfg.Peer

	h, ok := e.cfg.Mux.Lookup(req.Name)
	if !ok {
		e.log.Debugf("No handler for '%s'.", req.Name)
		e.sendError(f.RequestID, f.IsStream, noHandler(req.Name).Error())
		return
	}

	var s Sink = &plainSink{}
	if req.Stream {
		s = &streamSink{e: e, id: -f.RequestID}
	}
	res, err := h(e.ctx, req, s)
	if err != nil {
		e.log.Warningf("Handler '%s' failed: %v", req.Name, err)
		if e.cfg.OnHandlerError != nil {
			e.cfg.OnHandlerError(req.Name, err)
		}
		e.sendError(f.RequestID, f.IsStream, err.Error())
		return
	}

	if !req.Stream {
		if err := e.sendValue(-f.RequestID, res, 0); err != nil {
			e.log.Debugf("Failed to send response to '%s': %v", req.Name, err)
		}
		return
	}
	if res != nil {
		if err := s.Send(res); err != nil {
			e.log.Debugf("Failed to send response to '%s': %v", req.Name, err)
			return
		}
	}
	if err := e.stream.Send(newFrame(-f.RequestID, RawJSON([]byte(endOfStreamResponse)), FlagStream|FlagEndOfStream)); err != nil {
		e.log.Debugf("Failed to end stream for '%s': %v", req.Name, err)
	}
}

func (e *Endpoint) sendValue(id int32, v interface{}, flags Flag) error {
	var body Body
	switch vv := v.(type) {
	case []byte:
		body = Raw(vv)
	case nil:
		body = RawJSON([]byte("null"))
	default:
		var err error
		if body, err = JSON(v); err != nil {
			return err
		}
	}
	return e.stream.Send(newFrame(id, body, flags))
}

func (e *Endpoint) sendError(reqID int32, isStream bool, msg string) {
	flags := FlagError
	if isStream {
		flags |= FlagStream | FlagEndOfStream
	}
	if err := e.sendValue(-reqID, &errorBody{Err: msg}, flags); err != nil {
		e.log.Debugf("Failed to send error for request %d: %v", reqID, err)
	}
}

type plainSink struct{}

func (plainSink) Send(interface{}) error {
	return errors.New("muxrpc: request is not a stream")
}

type streamSink struct {
	e  *Endpoint
	id int32
}

func (s *streamSink) Send(v interface{}) error {
	return s.e.sendValue(s.id, v, FlagStream)
}

func (e *Endpoint) register(name string) (int32, *call, error) {
	e.Lock()
	defer e.Unlock()

	select {
	case <-e.doneCh:
		return 0, nil, ErrClosed
	default:
	}

	// Request identifiers are positive; responses carry the negation.
	e.nextID++
	if e.nextID <= 0 {
		e.nextID = 1
	}
	c := &call{
		name:     name,
		frames:   make(chan *Frame, sourceBufferLength),
		cancelCh: make(chan struct{}),
	}
	e.pending[e.nextID] = c
	return e.nextID, c, nil
}

func (e *Endpoint) unregister(id int32, c *call) {
	e.Lock()
	if e.pending[id] == c {
		delete(e.pending, id)
	}
	e.Unlock()
	close(c.cancelCh)
}

func (e *Endpoint) request(name string, args interface{}, stream bool) (int32, *call, error) {
	id, c, err := e.register(name)
	if err != nil {
		return 0, nil, err
	}
	if args == nil {
		args = struct{}{}
	}
	body, err := JSON(&struct {
		Name string      `json:"name"`
		Args interface{} `json:"args"`
	}{name, args})
	if err == nil {
		var flags Flag
		if stream {
			flags = FlagStream
		}
		err = e.stream.Send(newFrame(id, body, flags))
	}
	if err != nil {
		e.unregister(id, c)
		return 0, nil, err
	}
	return id, c, nil
}

// Call sends the request name with args and decodes the response into out,
// which may be nil.
func (e *Endpoint) Call(ctx context.Context, name string, args interface{}, out interface{}) error {
	id, c, err := e.request(name, args, false)
	if err != nil {
		return err
	}

	select {
	case f, ok := <-c.frames:
		if !ok {
			return e.closedErr()
		}
		if f.IsError {
			return errorFromFrame(name, f)
		}
		if out == nil {
			return nil
		}
		return f.Decode(out)
	case <-ctx.Done():
		e.unregister(id, c)
		return ctx.Err()
	}
}

func (e *Endpoint) closedErr() error {
	if err := e.Err(); err != nil {
		return err
	}
	return ErrClosed
}

// Source sends a streaming request.
func (e *Endpoint) Source(ctx context.Context, name string, args interface{}) (*Source, error) {
	id, c, err := e.request(name, args, true)
	if err != nil {
		return nil, err
	}
	return &Source{e: e, id: id, c: c, ctx: ctx}, nil
}

// Source reads the items of a streamed response.
type Source struct {
	e   *Endpoint
	id  int32
	c   *call
	ctx context.Context

	closeOnce sync.Once
}

// Next decodes the next item into v.  It returns io.EOF once the remote
// ends the stream.
func (s *Source) Next(v interface{}) error {
	select {
	case f, ok := <-s.c.frames:
		if !ok {
			return s.e.closedErr()
		}
		if f.IsError {
			return errorFromFrame(s.c.name, f)
		}
		if f.EndOfStream {
			return io.EOF
		}
		return f.Decode(v)
	case <-s.ctx.Done():
		s.Close()
		return s.ctx.Err()
	}
}

// Close abandons the stream.  Items still in flight are discarded.
func (s *Source) Close() {
	s.closeOnce.Do(func() {
		s.e.unregister(s.id, s.c)
	})
}
