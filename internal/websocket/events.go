package websocket

import (
	socket "github.com/TopGunBuild/socket-sub001"
)

// Socket listener event names.
const (
	EventConnect         = "connect"
	EventConnectAbort    = "connectAbort"
	EventDisconnect      = "disconnect"
	EventClose           = "close"
	EventEnd             = "end"
	EventError           = "error"
	EventWarning         = "warning"
	EventMessage         = "message"
	EventRaw             = "raw"
	EventAuthenticate    = "authenticate"
	EventDeauthenticate  = "deauthenticate"
	EventAuthStateChange = "authStateChange"
	EventBadAuthToken    = "badAuthToken"
	EventSubscribe       = "subscribe"
	EventUnsubscribe     = "unsubscribe"
	EventSubscribeFail   = "subscribeFail"
	EventKickOut         = "kickOut"
)

// Server listener event names.
const (
	EventConnection                = "connection"
	EventConnectionAbort           = "connectionAbort"
	EventDisconnection             = "disconnection"
	EventClosure                   = "closure"
	EventHandshake                 = "handshake"
	EventSubscription              = "subscription"
	EventUnsubscription            = "unsubscription"
	EventAuthentication            = "authentication"
	EventDeauthentication          = "deauthentication"
	EventAuthenticationStateChange = "authenticationStateChange"
	EventBadSocketAuthToken        = "badSocketAuthToken"
)

// serverEvents maps socket events to the server event they are relayed as.
var serverEvents = map[string]string{
	EventConnect:         EventConnection,
	EventConnectAbort:    EventConnectionAbort,
	EventDisconnect:      EventDisconnection,
	EventClose:           EventClosure,
	EventSubscribe:       EventSubscription,
	EventUnsubscribe:     EventUnsubscription,
	EventAuthenticate:    EventAuthentication,
	EventDeauthenticate:  EventDeauthentication,
	EventAuthStateChange: EventAuthenticationStateChange,
	EventBadAuthToken:    EventBadSocketAuthToken,
	EventError:           EventError,
	EventWarning:         EventWarning,
}

// Event is emitted on socket, channel and server listener streams. Only the
// fields relevant to Name are set.
type Event struct {
	Name   string
	Socket socket.Socket

	Code   int
	Reason string
	Err    error

	Data    any
	Channel string

	AuthToken       socket.AuthToken
	SignedAuthToken string
	OldAuthState    socket.AuthState
	NewAuthState    socket.AuthState
}
