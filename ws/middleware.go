package ws

import (
	"github.com/TopGunBuild/socket-sub001/internal/action"
	"github.com/TopGunBuild/socket-sub001/internal/stream"
)

type Action = action.Action
type ActionType = action.Type
type MiddlewareStage = action.Stage
type MiddlewareStream = action.MiddlewareStream
type MiddlewareHandler = action.Handler

// Consumer reads a receiver, procedure, listener or channel stream.
type Consumer[T any] = stream.Consumer[T]

// Middleware stages.
const (
	MiddlewareHandshake  = action.StageHandshake
	MiddlewareInboundRaw = action.StageInboundRaw
	MiddlewareInbound    = action.StageInbound
	MiddlewareOutbound   = action.StageOutbound
)

// Action types.
const (
	ActionHandshakeWS  = action.HandshakeWS
	ActionHandshakeSC  = action.HandshakeSC
	ActionMessage      = action.Message
	ActionTransmit     = action.Transmit
	ActionInvoke       = action.Invoke
	ActionSubscribe    = action.Subscribe
	ActionPublishIn    = action.PublishIn
	ActionPublishOut   = action.PublishOut
	ActionAuthenticate = action.Authenticate
)
