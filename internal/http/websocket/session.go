package websocket

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hbomb79/Mirage/pkg/logger"
)

var socketLogger = logger.Get("WebSocket")

const closeGracePeriod = time.Second

type (
	// Upgrader upgrades incoming HTTP requests to websocket
	// sessions.
	Upgrader struct {
		upgrader *websocket.Upgrader
	}

	// Session is a single websocket connection. A session may be read
	// from by one goroutine and written to by another concurrently.
	Session struct {
		id     uuid.UUID
		socket *websocket.Conn
	}
)

func NewUpgrader() *Upgrader {
	return &Upgrader{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Upgrade upgrades the HTTP request to a websocket, returning the new
// session. If the upgrade fails, an HTTP error has already been written
// to the response.
func (upgrader *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Session, error) {
	// Try generate UUID first - if we do this later and it fails... we've already
	// upgraded the connection to a websocket.
	id, err := uuid.NewRandom()
	if err != nil {
		socketLogger.Emit(logger.ERROR, "Failed to generate UUID for new connection - aborting!\n")
		http.Error(w, "failed to allocate session", http.StatusInternalServerError)
		return nil, err
	}

	sock, err := upgrader.upgrader.Upgrade(w, r, nil)
	if err != nil {
		socketLogger.Emit(logger.ERROR, "Failed to upgrade incoming HTTP request to a websocket: %v\n", err.Error())
		return nil, err
	}

	socketLogger.Emit(logger.NEW, "Opened session {%v}\n", id)
	return &Session{id: id, socket: sock}, nil
}

func (session *Session) ID() uuid.UUID { return session.id }

// Send writes the message provided to the session as JSON.
func (session *Session) Send(message *SocketMessage) error {
	return session.socket.WriteJSON(message)
}

// Receive blocks until the next message is read from the session. The
// message origin is set to this session's ID. If the connection
// experiences an error, or the JSON unmarshalling fails, the error is
// returned and the session should be closed.
func (session *Session) Receive() (*SocketMessage, error) {
	var recv SocketMessage
	if err := session.socket.ReadJSON(&recv); err != nil {
		return nil, err
	}

	recv.Origin = &session.id
	return &recv, nil
}

// Close sends a normal closure message to the client (best effort)
// and then closes the underlying connection.
func (session *Session) Close() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := session.socket.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod)); err != nil {
		socketLogger.Emit(logger.DEBUG, "Session {%v} close message not delivered: %v\n", session.id, err)
	}

	session.socket.Close()
	socketLogger.Emit(logger.REMOVE, "Closed session {%v}\n", session.id)
}
