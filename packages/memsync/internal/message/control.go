package message

// CommandClientReady asks the master for a full snapshot.
const CommandClientReady = "client_ready"

type ControlMessage struct {
	Command  string `json:"command"`
	SenderID string `json:"sender_id,omitempty"`
}
