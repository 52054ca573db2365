package models

import "time"

// SessionStatus is the lifecycle state of a host session.
type SessionStatus string

const (
	SessionStatusRunning  SessionStatus = "running"
	SessionStatusStopping SessionStatus = "stopping"
	SessionStatusStopped  SessionStatus = "stopped"
)

// Session is a live host process reachable through its local RPC bridge.
type Session struct {
	ID          string        `json:"id"`
	Status      SessionStatus `json:"status"`
	Mode        string        `json:"mode"`
	RPCPort     int           `json:"rpcPort"`
	RPCToken    string        `json:"-"`
	RPCReady    bool          `json:"rpcReady"`
	SupportsRPC bool          `json:"supportsRpc"`
	BridgeError *string       `json:"bridgeError"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// Ready reports whether the session can accept RPC commands.
func (s *Session) Ready() bool {
	return s != nil && s.Status == SessionStatusRunning && s.SupportsRPC && s.RPCReady
}
