package types

// ErrorResponse is the JSON error payload returned by the HTTP layer.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// TaskResponse acknowledges an asynchronous operation and carries the task
// id the caller should poll.
type TaskResponse struct {
	TaskID string `json:"task_id"`
}

// TrainRequest is the presentation-facing payload to start voice training.
type TrainRequest struct {
	Voice      string `json:"voice"`
	AudioPath  string `json:"audio_path"`
	Transcript string `json:"transcript"`
	Quality    string `json:"quality,omitempty"`
	Language   string `json:"language,omitempty"`
	Denoise    bool   `json:"denoise,omitempty"`
}

// SpeechRequest is the presentation-facing payload for voice synthesis.
type SpeechRequest struct {
	Voice string  `json:"voice"`
	Text  string  `json:"text"`
	Speed float64 `json:"speed,omitempty"`
}

// TranscribeRequest asks for a local audio file to be transcribed.
type TranscribeRequest struct {
	Model     string `json:"model,omitempty"`
	AudioPath string `json:"audio_path"`
}

// ImageGenRequest asks for one image to be rendered from a prompt.
type ImageGenRequest struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
}

// ChatRequest is the minimal pass-through chat payload: a model identifier
// plus the user input. The server side owns the full schema.
type ChatRequest struct {
	Model  string `json:"model,omitempty"`
	System string `json:"system,omitempty"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream,omitempty"`
}
