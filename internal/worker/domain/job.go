package domain

// Job is the execution view of a Job Record, as claimed by a worker
type Job struct {
	JobID      string
	UserID     string
	ScriptName string
	ScriptPath string
	Status     string
	WorkerID   string
}

// JobMessage is the dispatch message consumed from RabbitMQ
type JobMessage struct {
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
}

// Artifact describes one generated file promoted into durable storage.
// Filename always embeds the owning user id; downloads are authorized by
// substring containment against it.
type Artifact struct {
	Type     string `json:"type"`
	Path     string `json:"path"`
	Filename string `json:"filename"`
}

// FailureDetails carries the diagnostics attached to a failed job
type FailureDetails struct {
	ErrorHint  string   `json:"error_hint,omitempty"`
	StdoutTail []string `json:"stdout_tail,omitempty"`
	StderrTail []string `json:"stderr_tail,omitempty"`
}
