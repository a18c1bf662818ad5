package types

// Model represents a generation model discovered on disk.
type Model struct {
	// Stable identifier for the model.
	// example: sd15
	ID string `json:"id" example:"sd15"`
	// Human-friendly name.
	// example: Stable Diffusion 1.5
	Name string `json:"name" example:"Stable Diffusion 1.5"`
	// Absolute path to the model file or directory on disk.
	// example: /home/user/models/sd15
	Path string `json:"path" example:"/home/user/models/sd15"`
	// Resource class served by the model: diffusion, upscaler or text.
	// example: diffusion
	Class string `json:"class" example:"diffusion"`
	// Quantization level or precision variant, when encoded in the name.
	// example: fp16
	Variant string `json:"variant,omitempty" example:"fp16"`
	// Optional family (e.g., llama, mistral, sd).
	// example: sd
	Family string `json:"family,omitempty" example:"sd"`
}
