package eventbus

// Event types published by the queue facade and the worker.
const (
	TypeMessageSent     = "message.sent"
	TypeMessageFailed   = "message.failed"
	TypeJobStatus       = "job.status"
	TypeSessionLost     = "session.lost"
	TypeSessionRestored = "session.restored"
	TypeSessionFailed   = "session.reconnect_failed"
	TypeSessionQR       = "session.challenge"
	TypeWorkerStarted   = "worker.started"
	TypeWorkerStopped   = "worker.stopped"
)

type MessageSent struct {
	JobID     int64  `json:"job_id"`
	MessageID int64  `json:"message_id"`
	Recipient string `json:"recipient"`
}

type MessageFailed struct {
	JobID      int64  `json:"job_id"`
	MessageID  int64  `json:"message_id"`
	Recipient  string `json:"recipient"`
	Reason     string `json:"reason"`
	RetryCount int    `json:"retry_count"`
	Terminal   bool   `json:"terminal"`
}

type JobStatusChanged struct {
	JobID int64  `json:"job_id"`
	From  string `json:"from,omitempty"`
	To    string `json:"to"`
}

// SessionChange lists the jobs parked (lost) or resumed (restored) by one session event.
type SessionChange struct {
	Jobs []int64 `json:"jobs"`
}

// SessionChallenge carries a login challenge (e.g. QR payload) the operator must act on.
type SessionChallenge struct {
	Payload string `json:"payload"`
}

type WorkerLifecycle struct {
	RunID string `json:"run_id"`
}
