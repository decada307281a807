package ws

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/dkeye/hostrelay/internal/domain"
)

const (
	ReasonUsername = "username"
	ReasonUpgrade  = "upgrade"
)

// HandshakeError carries the rejection reason; it wraps domain.ErrHandshakeInvalid.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("%s: %s: %v", domain.ErrHandshakeInvalid, e.Reason, e.Err)
}

func (e *HandshakeError) Unwrap() []error {
	return []error{domain.ErrHandshakeInvalid, e.Err}
}

// Accepted is the outcome of a successful opening handshake.
type Accepted struct {
	Conn  *websocket.Conn
	User  domain.User
	Token string
}

func NewUpgrader(cfg Config) *websocket.Upgrader {
	return &websocket.Upgrader{
		HandshakeTimeout: cfg.HandshakeTimeout,
		// Relays are reached cross-origin from the control plane page.
		CheckOrigin: func(r *http.Request) bool { return true },
		Error:       reject,
	}
}

func reject(w http.ResponseWriter, _ *http.Request, status int, reason error) {
	w.Header().Set("Connection", "close")
	http.Error(w, reason.Error(), status)
}

// Handshake validates the opening request and upgrades it.
// The client names itself with ?username=; the host also sends ?token=.
// On failure a 400 with "Connection: close" has already been written.
func Handshake(up *websocket.Upgrader, w http.ResponseWriter, r *http.Request) (Accepted, error) {
	user, err := domain.NewUser(r.URL.Query().Get("username"))
	if err != nil {
		reject(w, r, http.StatusBadRequest, err)
		return Accepted{}, &HandshakeError{Reason: ReasonUsername, Err: err}
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return Accepted{}, &HandshakeError{Reason: ReasonUpgrade, Err: err}
	}
	return Accepted{Conn: conn, User: user, Token: r.URL.Query().Get("token")}, nil
}
