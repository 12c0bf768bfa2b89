package ws

import (
	"time"

	"github.com/hirefetch/harvester/internal/progress"
)

const (
	TypeAck       = "ack"
	TypeProgress  = "progress"
	TypeHeartbeat = "heartbeat"
	TypeError     = "error"
	TypeQuit      = "quit"
)

type BaseMessage struct {
	Type string `json:"type"`
}

// Server → watcher

type AckMessage struct {
	Type       string `json:"type"`
	DownloadID string `json:"download_id"`
	Since      int64  `json:"since"`
}

type ProgressMessage struct {
	Type  string         `json:"type"`
	Event progress.Event `json:"event"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Both directions

type HeartbeatMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}
