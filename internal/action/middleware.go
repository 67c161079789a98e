package action

import (
	"context"
	"io"
	"iter"

	"github.com/TopGunBuild/socket-sub001/internal/stream"
)

// Stage is one of the four interception points.
type Stage int

const (
	StageHandshake Stage = iota
	StageInboundRaw
	StageInbound
	StageOutbound
)

func (s Stage) String() string {
	switch s {
	case StageHandshake:
		return "handshake"
	case StageInboundRaw:
		return "inboundRaw"
	case StageInbound:
		return "inbound"
	case StageOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// Handler consumes a middleware stream. It must allow or block every action
// it receives. It runs in its own goroutine.
type Handler func(ms *MiddlewareStream)

// MiddlewareStream delivers actions of one stage to a Handler. The consumer
// is created up front so no action written before the handler starts is lost.
type MiddlewareStream struct {
	stage    Stage
	s        *stream.Stream[*Action]
	consumer *stream.Consumer[*Action]
}

// NewMiddlewareStream returns an open stream for a stage.
func NewMiddlewareStream(stage Stage) *MiddlewareStream {
	s := stream.New[*Action]()
	return &MiddlewareStream{stage: stage, s: s, consumer: s.CreateConsumer(0)}
}

// Stage returns the interception point this stream serves.
func (m *MiddlewareStream) Stage() Stage { return m.stage }

// Next returns the next action, or io.EOF once the stream is closed.
func (m *MiddlewareStream) Next(ctx context.Context) (*Action, error) {
	p, err := m.consumer.Next(ctx)
	if err != nil {
		return nil, err
	}
	if p.Done {
		return nil, io.EOF
	}
	return p.Value, nil
}

// Actions iterates over actions until the stream closes or ctx is done.
//
//	for a := range ms.Actions(ctx) {
//	    a.Allow()
//	}
func (m *MiddlewareStream) Actions(ctx context.Context) iter.Seq[*Action] {
	return func(yield func(*Action) bool) {
		for {
			a, err := m.Next(ctx)
			if err != nil {
				return
			}
			if !yield(a) {
				return
			}
		}
	}
}

// Backpressure returns the number of actions not yet taken by the handler.
func (m *MiddlewareStream) Backpressure() int {
	return m.consumer.Backpressure()
}

// Close ends the stream; the handler's Next returns io.EOF.
func (m *MiddlewareStream) Close() {
	m.s.Kill(nil)
}

func (m *MiddlewareStream) write(a *Action) {
	m.s.Write(a)
}

// Process runs a through the gate. With no middleware stream the action is
// allowed immediately. It returns the payload to continue with, or the block
// error.
func Process(ctx context.Context, ms *MiddlewareStream, a *Action) (any, error) {
	if ms == nil {
		a.Allow()
		return a.Wait(ctx)
	}
	ms.write(a)
	return a.Wait(ctx)
}
