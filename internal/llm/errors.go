package llm

import (
	"fmt"

	"github.com/brigade-ai/brigade/internal/resilience"
)

// Connection failures, 5xx responses, and rate limits are marked transient
// so the resilience layer knows they are worth retrying.

func transient(err error) error {
	return resilience.Transient(err)
}

func transientf(format string, args ...any) error {
	return resilience.Transient(fmt.Errorf(format, args...))
}
