package job

import "time"

// Artifact is one output produced by the engine, typically an encoded image.
type Artifact struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Result is the engine output attached to a completed job.
type Result struct {
	Kind      Kind
	Artifacts []Artifact
	Text      string
	Seed      int64
	Elapsed   time.Duration
}
