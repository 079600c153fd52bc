package provider

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnavailable marks a transient provider failure worth retrying.
	ErrUnavailable = errors.New("provider unavailable")

	// ErrRejected marks a permanent rejection; the payload or request is
	// invalid and retrying cannot help.
	ErrRejected = errors.New("provider rejected request")

	// ErrTimeout marks an operation that exceeded its capability-specific
	// maximum wait.
	ErrTimeout = errors.New("provider timeout")
)

// Wrap builds an error message that includes capability context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, capability, operation, message string, err error) error {
	detail := buildDetail(capability, operation, message)
	if marker == nil {
		marker = ErrUnavailable
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

func buildDetail(capability, operation, message string) string {
	parts := make([]string, 0, 3)
	if capability = strings.TrimSpace(capability); capability != "" {
		parts = append(parts, capability)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "provider failure"
	}
	return strings.Join(parts, ": ")
}
