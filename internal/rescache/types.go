package rescache

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Class is a category of cached resource with its own construction lock.
type Class string

const (
	ClassDiffusion Class = "diffusion"
	ClassUpscaler  Class = "upscaler"
	ClassText      Class = "text"
)

// Classes is the fixed set of resource classes.
var Classes = []Class{ClassDiffusion, ClassUpscaler, ClassText}

// ParseClass validates a class name.
func ParseClass(s string) (Class, error) {
	for _, c := range Classes {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownClass, s)
}

// Key identifies a resource by value. Two keys describing the same model,
// variant, provider and device are equal regardless of who built them.
type Key struct {
	ModelPath string
	Variant   string
	Provider  string
	DeviceID  int
}

// String renders the key for logs and singleflight grouping. Fields are
// quoted, so distinct keys never render alike.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(strconv.Quote(k.ModelPath))
	b.WriteByte('|')
	b.WriteString(strconv.Quote(k.Variant))
	b.WriteByte('|')
	b.WriteString(strconv.Quote(k.Provider))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(k.DeviceID))
	return b.String()
}

// Mode is the eviction policy of a class.
type Mode string

const (
	// ModeMulti keeps every constructed resource until unloaded.
	ModeMulti Mode = "multi"
	// ModeSingle keeps at most one resource of the class resident.
	ModeSingle Mode = "single"
)

// ParseMode validates a mode name; "" maps to ModeMulti.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "multi":
		return ModeMulti, nil
	case "single":
		return ModeSingle, nil
	}
	return "", fmt.Errorf("unknown cache mode %q", s)
}

// ErrUnknownClass is returned for classes outside Classes.
var ErrUnknownClass = errors.New("unknown resource class")

// ConstructionError reports a failed construction. It is never cached.
type ConstructionError struct {
	Class Class
	Key   Key
	Err   error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("construct %s %s: %v", e.Class, e.Key.ModelPath, e.Err)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

// IsConstructionError reports whether err is a ConstructionError.
func IsConstructionError(err error) bool {
	var ce *ConstructionError
	return errors.As(err, &ce)
}
