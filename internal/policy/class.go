package policy

import (
	"fmt"
	"strings"
)

// ResourceClass is the classifier outcome for a resource.
type ResourceClass string

const (
	ClassOpen       ResourceClass = "open"
	ClassRestricted ResourceClass = "restricted"
	ClassForbidden  ResourceClass = "forbidden"
)

// ParseClass accepts the lowercase class names.
func ParseClass(raw string) (ResourceClass, error) {
	switch c := ResourceClass(strings.ToLower(strings.TrimSpace(raw))); c {
	case ClassOpen, ClassRestricted, ClassForbidden:
		return c, nil
	default:
		return "", fmt.Errorf("unknown resource class %q", raw)
	}
}
