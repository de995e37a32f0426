package domain

// Job Record lifecycle states. These are the durable, coarse states held in
// PostgreSQL; the progress channel additionally reports "running" between
// started and the terminal states.
const (
	JobStatusQueued   = "queued"
	JobStatusStarted  = "started"
	JobStatusFinished = "finished"
	JobStatusFailed   = "failed"
)

// Progress channel statuses (superset of the Job Record states)
const (
	ProgressStatusQueued   = "queued"
	ProgressStatusStarted  = "started"
	ProgressStatusRunning  = "running"
	ProgressStatusFinished = "finished"
	ProgressStatusFailed   = "failed"
)

// Artifact types
const (
	ArtifactTypeStep = "step"
	ArtifactTypeObj  = "obj"
	ArtifactTypePDF  = "pdf"
	ArtifactTypeJSON = "json"
)

// IsTerminal reports whether a Job Record state is terminal
func IsTerminal(status string) bool {
	return status == JobStatusFinished || status == JobStatusFailed
}
