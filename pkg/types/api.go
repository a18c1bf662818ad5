package types

// JobRequest is the payload of POST /jobs and POST /generate.
type JobRequest struct {
	// Operation to run: text-to-image, image-to-image, inpaint, upscale or text-generate.
	// example: text-to-image
	Kind string `json:"kind" example:"text-to-image"`
	// Optional model identifier. If empty, the server default for the kind's class is used.
	// example: sd15
	Model string `json:"model,omitempty" example:"sd15"`
	// Optional precision or quantization variant; part of the resource key.
	// example: fp16
	Variant string `json:"variant,omitempty" example:"fp16"`
	// Prompt text.
	// example: a lighthouse at dusk, oil painting
	Prompt string `json:"prompt,omitempty" example:"a lighthouse at dusk, oil painting"`
	// Negative prompt for image kinds.
	NegativePrompt string `json:"negative_prompt,omitempty"`
	// Output size in pixels (multiples of 8).
	// example: 512
	Width int `json:"width,omitempty" example:"512"`
	// example: 512
	Height int `json:"height,omitempty" example:"512"`
	// Denoising steps.
	// example: 20
	Steps int `json:"steps,omitempty" example:"20"`
	// Classifier-free guidance scale.
	// example: 7.5
	Guidance float32 `json:"guidance,omitempty" example:"7.5"`
	// Denoising strength for image-to-image and inpaint (0..1).
	// example: 0.75
	Strength float32 `json:"strength,omitempty" example:"0.75"`
	// Random seed for reproducibility; 0 or omitted lets the server choose.
	// example: 42
	Seed int64 `json:"seed,omitempty" example:"42"`
	// Base64-encoded input image (JSON []byte).
	Image []byte `json:"image,omitempty" swaggertype:"string" format:"base64"`
	// Base64-encoded inpaint mask.
	Mask []byte `json:"mask,omitempty" swaggertype:"string" format:"base64"`
	// Upscale factor, 2 or 4.
	// example: 4
	Scale int `json:"scale,omitempty" example:"4"`
	// Maximum number of new tokens for text-generate.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// Sampling temperature (higher = more random).
	// example: 0.7
	Temperature float32 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float32 `json:"top_p,omitempty" example:"0.9"`
	// Top-K sampling.
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// Repeat penalty.
	// example: 1.1
	RepeatPenalty float32 `json:"repeat_penalty,omitempty" example:"1.1"`
	// Optional stop sequences.
	Stop []string `json:"stop,omitempty"`
}

// JobView is the public snapshot of a job.
type JobView struct {
	// example: 3f1c2d9e-8a4b-4c55-9d2e-1b7f0a6c3e21
	ID string `json:"id" example:"3f1c2d9e-8a4b-4c55-9d2e-1b7f0a6c3e21"`
	// example: text-to-image
	Kind string `json:"kind" example:"text-to-image"`
	// Front-end that submitted the job.
	// example: api
	Origin string `json:"origin" example:"api"`
	// One of pending, processing, completed, failed, cancelled.
	// example: processing
	Status string `json:"status" example:"processing"`
	// Progress percentage 0..100.
	// example: 40
	Progress int `json:"progress" example:"40"`
	// Latest progress message.
	// example: step 8/20
	Message string `json:"message,omitempty" example:"step 8/20"`
	// Failure message for failed jobs.
	Error string `json:"error,omitempty"`
	// Number of active jobs ahead; 0 while processing, -1 once terminal.
	// example: 2
	Position int `json:"position" example:"2"`
	// Unix milliseconds.
	// example: 1700000000000
	CreatedAt int64 `json:"created_at_ms" example:"1700000000000"`
	StartedAt int64 `json:"started_at_ms,omitempty"`
	// example: 1700000004000
	CompletedAt int64 `json:"completed_at_ms,omitempty" example:"1700000004000"`
	// Present once the job completed.
	Result *JobResult `json:"result,omitempty"`
}

// Artifact is one engine output.
type Artifact struct {
	// example: image.png
	Name string `json:"name" example:"image.png"`
	// example: image/png
	MIMEType string `json:"mime_type" example:"image/png"`
	// Base64-encoded content.
	Data []byte `json:"data" swaggertype:"string" format:"base64"`
}

// JobResult is the output of a completed job.
type JobResult struct {
	// example: text-to-image
	Kind      string     `json:"kind" example:"text-to-image"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	// Generated text for text-generate.
	Text string `json:"text,omitempty"`
	// Seed actually used.
	// example: 42
	Seed int64 `json:"seed" example:"42"`
	// Engine time in milliseconds.
	// example: 3800
	ElapsedMS int64 `json:"elapsed_ms" example:"3800"`
}

// JobsResponse wraps a list of jobs.
type JobsResponse struct {
	Jobs []JobView `json:"jobs"`
}

// PositionResponse is returned by GET /jobs/{id}/position.
type PositionResponse struct {
	// example: 3f1c2d9e-8a4b-4c55-9d2e-1b7f0a6c3e21
	ID string `json:"id"`
	// example: 1
	Position int `json:"position" example:"1"`
}

// CancelResponse is returned by POST /jobs/{id}/cancel.
type CancelResponse struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
}

// ClearResponse is returned by DELETE /jobs.
type ClearResponse struct {
	// example: 12
	Removed int `json:"removed" example:"12"`
}

// UnloadRequest is the payload of POST /resources/unload. An empty Model
// unloads every resource of Class.
type UnloadRequest struct {
	// example: diffusion
	Class string `json:"class" example:"diffusion"`
	// example: sd15
	Model   string `json:"model,omitempty" example:"sd15"`
	Variant string `json:"variant,omitempty"`
}

// UnloadResponse reports how many resources were disposed.
type UnloadResponse struct {
	// example: 1
	Unloaded int `json:"unloaded" example:"1"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// List of available models.
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// ResourceStatus describes one loaded resource.
type ResourceStatus struct {
	// example: diffusion
	Class string `json:"class" example:"diffusion"`
	// example: /home/user/models/sd15
	ModelPath string `json:"model_path" example:"/home/user/models/sd15"`
	Variant   string `json:"variant,omitempty"`
	Provider  string `json:"provider,omitempty"`
	DeviceID  int    `json:"device_id"`
	// Unix seconds.
	LoadedAt int64 `json:"loaded_at_unix"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Pending job count.
	// example: 3
	Pending int `json:"pending" example:"3"`
	// ID of the job in flight, if any.
	Processing string `json:"processing,omitempty"`
	// example: 120
	Completed int `json:"completed" example:"120"`
	// example: 2
	Failed int `json:"failed" example:"2"`
	// example: 4
	Cancelled int `json:"cancelled" example:"4"`
	// Whether the generation lock is held (advisory).
	// example: true
	LockHeld bool `json:"lock_held" example:"true"`
	// Current lock owner, e.g. queue:<id> or interactive.
	LockOwner string `json:"lock_owner,omitempty"`
	// Cache residency mode per class.
	CacheModes map[string]string `json:"cache_modes"`
	// Loaded resources.
	Resources []ResourceStatus `json:"resources"`
	// Live event subscribers.
	// example: 1
	Subscribers int `json:"subscribers" example:"1"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}

// EventDTO is one line of the GET /events NDJSON stream.
type EventDTO struct {
	// status_changed, progress_changed or completed.
	// example: status_changed
	Type   string `json:"type" example:"status_changed"`
	JobID  string `json:"job_id"`
	Origin string `json:"origin"`
	Kind   string `json:"kind"`
	// example: pending
	OldStatus string `json:"old_status,omitempty" example:"pending"`
	// example: processing
	NewStatus string `json:"new_status,omitempty" example:"processing"`
	Progress  int    `json:"progress,omitempty"`
	Message   string `json:"message,omitempty"`
	Job       *JobView   `json:"job,omitempty"`
	Result    *JobResult `json:"result,omitempty"`
	// Unix milliseconds.
	At int64 `json:"at_ms"`
}
