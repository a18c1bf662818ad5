package engine

import (
	"strings"

	"gend/internal/job"
	"gend/internal/rescache"
)

// Request is the kind-specific payload carried by a job.
type Request struct {
	Kind job.Kind
	Key  rescache.Key

	// image kinds
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Steps          int
	Guidance       float32
	Strength       float32
	Seed           int64
	Image          []byte // input image for image-to-image, inpaint and upscale
	Mask           []byte // inpaint mask
	Scale          int    // upscale factor

	// text-generate
	MaxTokens     int
	Temperature   float32
	TopP          float32
	TopK          int
	RepeatPenalty float32
	Stop          []string
}

const (
	defaultSize      = 512
	minSize          = 64
	maxSize          = 2048
	defaultSteps     = 20
	maxSteps         = 150
	defaultGuidance  = 7.5
	defaultStrength  = 0.75
	defaultScale     = 4
	defaultMaxTokens = 128
	maxMaxTokens     = 4096
)

// Normalize fills zero fields with defaults and validates the result.
func (r *Request) Normalize() error {
	class, err := ClassFor(r.Kind)
	if err != nil {
		return invalidRequestError{msg: err.Error()}
	}
	if r.Key.ModelPath == "" {
		return invalidRequestError{msg: "model path is empty"}
	}
	switch class {
	case rescache.ClassDiffusion:
		return r.normalizeImage()
	case rescache.ClassUpscaler:
		if len(r.Image) == 0 {
			return invalidRequestError{msg: "upscale requires an input image"}
		}
		if r.Scale == 0 {
			r.Scale = defaultScale
		}
		if r.Scale != 2 && r.Scale != 4 {
			return invalidRequestError{msg: "scale must be 2 or 4"}
		}
	case rescache.ClassText:
		if strings.TrimSpace(r.Prompt) == "" {
			return invalidRequestError{msg: "prompt is empty"}
		}
		if r.MaxTokens == 0 {
			r.MaxTokens = defaultMaxTokens
		}
		if r.MaxTokens < 0 || r.MaxTokens > maxMaxTokens {
			return invalidRequestError{msg: "max_tokens out of range"}
		}
	}
	return nil
}

func (r *Request) normalizeImage() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return invalidRequestError{msg: "prompt is empty"}
	}
	if r.Kind != job.KindTextToImage && len(r.Image) == 0 {
		return invalidRequestError{msg: string(r.Kind) + " requires an input image"}
	}
	if r.Kind == job.KindInpaint && len(r.Mask) == 0 {
		return invalidRequestError{msg: "inpaint requires a mask"}
	}
	if r.Width == 0 {
		r.Width = defaultSize
	}
	if r.Height == 0 {
		r.Height = defaultSize
	}
	if r.Width < minSize || r.Width > maxSize || r.Height < minSize || r.Height > maxSize {
		return invalidRequestError{msg: "width and height must be within 64..2048"}
	}
	if r.Width%8 != 0 || r.Height%8 != 0 {
		return invalidRequestError{msg: "width and height must be multiples of 8"}
	}
	if r.Steps == 0 {
		r.Steps = defaultSteps
	}
	if r.Steps < 1 || r.Steps > maxSteps {
		return invalidRequestError{msg: "steps out of range"}
	}
	if r.Guidance == 0 {
		r.Guidance = defaultGuidance
	}
	if r.Strength == 0 {
		r.Strength = defaultStrength
	}
	if r.Strength < 0 || r.Strength > 1 {
		return invalidRequestError{msg: "strength must be within 0..1"}
	}
	return nil
}
