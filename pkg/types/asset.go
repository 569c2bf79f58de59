package types

// Category partitions assets by modality. It is a closed set: each
// controller matches it exhaustively, and residency is mutually exclusive
// within one category.
type Category string

const (
	CategoryChat              Category = "chat"
	CategoryVisionChat        Category = "vision_chat"
	CategorySpeechRecognition Category = "speech_recognition"
	CategorySpeechSynthesis   Category = "speech_synthesis"
	CategoryImageGeneration   Category = "image_generation"
)

// Categories lists every known category in display order.
func Categories() []Category {
	return []Category{
		CategoryChat,
		CategoryVisionChat,
		CategorySpeechRecognition,
		CategorySpeechSynthesis,
		CategoryImageGeneration,
	}
}

// Valid reports whether c is a member of the closed category set.
func (c Category) Valid() bool {
	switch c {
	case CategoryChat, CategoryVisionChat, CategorySpeechRecognition,
		CategorySpeechSynthesis, CategoryImageGeneration:
		return true
	}
	return false
}

// WireLabel is the short model-type string the inference server expects in
// load/unload request bodies.
func (c Category) WireLabel() string {
	switch c {
	case CategoryChat:
		return "llm"
	case CategoryVisionChat:
		return "vlm"
	case CategorySpeechRecognition:
		return "asr"
	case CategorySpeechSynthesis:
		return "tts"
	case CategoryImageGeneration:
		return "image"
	}
	return string(c)
}

// SourceKind describes where an asset's files come from.
type SourceKind string

const (
	// SourceHosted is a remote-hosted model repository (HuggingFace-style API).
	SourceHosted SourceKind = "hosted"
	// SourceMirror is a mirrored repository (ModelScope-style API).
	SourceMirror SourceKind = "mirror"
	// SourceManual means the asset is installed by hand; downloads are refused.
	SourceManual SourceKind = "manual"
)

// Source identifies the download origin of an asset.
type Source struct {
	Kind SourceKind `json:"kind"`
	// Repository identifier, e.g. "mlx-community/Qwen3-8B-8bit".
	Repo string `json:"repo,omitempty"`
	// Branch / tag / commit pin. Empty means the source default branch.
	Revision string `json:"revision,omitempty"`
}

// Storage describes where an asset lives on disk.
type Storage struct {
	// Local directory, '~' expands to the user home.
	LocalPath string `json:"local_path"`
	// Expected on-disk size in bytes (0 = unknown).
	TotalSizeBytes int64 `json:"total_size_bytes,omitempty"`
}

// APIType is the inference-server endpoint family an asset is served by.
type APIType string

const (
	APIChatCompletions    APIType = "chat_completions"
	APIAudioTranscription APIType = "audio_transcription"
	APIAudioSpeech        APIType = "audio_speech"
	APIImageGeneration    APIType = "image_generation"
)

// RuntimeSpec captures what the inference server needs to serve the asset.
type RuntimeSpec struct {
	APIType APIType `json:"api_type"`
	// Model identifier sent in inference-server request bodies.
	APIModelID string `json:"api_model_id"`
	// Memory required to keep the asset resident, in gigabytes.
	MemoryGB float64 `json:"memory_gb"`
	// True for vision models that accept image inputs.
	SupportsImages bool `json:"supports_images,omitempty"`
	// True when the server can stream responses for this asset.
	SupportsStreaming bool `json:"supports_streaming,omitempty"`
	// Quantization format, e.g. "8bit", "bf16".
	Quantization string `json:"quantization,omitempty"`
}

// Asset is one catalog entry: everything needed to download, load, and use
// an inference asset. Assets are immutable once created; a catalog merge
// supersedes an entry rather than mutating it.
type Asset struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Category    Category    `json:"category"`
	Tags        []string    `json:"tags,omitempty"`
	Source      Source      `json:"source"`
	Storage     Storage     `json:"storage"`
	Runtime     RuntimeSpec `json:"runtime"`
}
