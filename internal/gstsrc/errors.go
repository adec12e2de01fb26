package gstsrc

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory classifies pipeline errors for telemetry.
type ErrorCategory int

const (
	// ErrCategoryNegotiation is a caps or format mismatch downstream.
	ErrCategoryNegotiation ErrorCategory = iota
	// ErrCategoryResource is a sink that cannot open its output (display,
	// file, device).
	ErrCategoryResource
	// ErrCategoryPlugin is a missing or failing element.
	ErrCategoryPlugin
	// ErrCategoryUnknown is anything else.
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryNegotiation:
		return "negotiation"
	case ErrCategoryResource:
		return "resource"
	case ErrCategoryPlugin:
		return "plugin"
	default:
		return "unknown"
	}
}

var categoryKeywords = []struct {
	category ErrorCategory
	keywords []string
}{
	// most specific first
	{ErrCategoryNegotiation, []string{"not-negotiated", "not negotiated", "caps", "format", "negotiation"}},
	{ErrCategoryPlugin, []string{"no element", "missing plugin", "no such element", "could not create", "erroneous pipeline"}},
	{ErrCategoryResource, []string{"resource", "could not open", "permission", "display", "no space", "write"}},
}

// ClassifyError categorizes a pipeline error from its message and debug
// string.
func ClassifyError(msg, debug string) ErrorCategory {
	combined := strings.ToLower(msg + " " + debug)
	for _, c := range categoryKeywords {
		for _, kw := range c.keywords {
			if strings.Contains(combined, kw) {
				return c.category
			}
		}
	}
	return ErrCategoryUnknown
}

// ClassifyGStreamerError categorizes a bus error.
// go-gst's GError does not expose the domain, so this matches on text.
func ClassifyGStreamerError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return ClassifyError(gerr.Error(), gerr.DebugString())
}
