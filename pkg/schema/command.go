package schema

// CommandType enumerates the runtime command protocol.
type CommandType string

const (
	// CommandSend queues a message into the run's inbox.
	CommandSend CommandType = "send"
	// CommandReply queues a reply message into the run's inbox.
	CommandReply CommandType = "reply"
	// CommandAbort stops the run. Resumable true behaves as pause,
	// false as hard abort.
	CommandAbort CommandType = "abort"
	// CommandResume restarts a paused run, optionally re-injecting a message.
	CommandResume CommandType = "resume"
)

// RuntimeCommand is dispatched to a running or paused run.
type RuntimeCommand struct {
	Type      CommandType    `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	Message   map[string]any `json:"message,omitempty"`
	Resumable bool           `json:"resumable,omitempty"`
}
