package gstcam

import "strings"

// ErrorCategory classifies capture pipeline errors for telemetry
type ErrorCategory int

const (
	// ErrCategoryDevice covers missing, busy or permission-denied devices
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryFormat covers caps negotiation failures
	ErrCategoryFormat
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns a human-readable string representation of the category
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryFormat:
		return "format"
	default:
		return "unknown"
	}
}

var (
	deviceKeywords = []string{
		"no such file",
		"no such device",
		"permission denied",
		"busy",
		"cannot identify device",
		"could not open device",
		"not a capture device",
	}
	formatKeywords = []string{
		"not negotiated",
		"negotiation",
		"caps",
		"format",
		"resolution",
	}
)

// classifyError categorizes a GStreamer error by its message and debug text.
// go-gst's GError does not expose the domain, so matching is textual.
func classifyError(message, debug string) ErrorCategory {
	combined := strings.ToLower(message + " " + debug)

	for _, kw := range deviceKeywords {
		if strings.Contains(combined, kw) {
			return ErrCategoryDevice
		}
	}
	for _, kw := range formatKeywords {
		if strings.Contains(combined, kw) {
			return ErrCategoryFormat
		}
	}
	return ErrCategoryUnknown
}
