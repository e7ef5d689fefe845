// Package security provides validation, sanitization, and limits for the jobs package.
package security

import (
	"math"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
)

// Security limits and configuration
const (
	// MaxClassNameLength is the maximum length for job class names
	MaxClassNameLength = 255

	// MaxTubeNameLength is the broker's limit on tube names
	MaxTubeNameLength = 200

	// MaxJobBodySize is the broker's default max-job-size in bytes
	MaxJobBodySize = 65535

	// MaxRetries is the hard limit for retry attempts
	MaxRetries = 100

	// MaxConcurrency is the hard limit for threads per tube
	MaxConcurrency = 1000

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxPriority is the largest priority the broker accepts (lowest urgency)
	MaxPriority = math.MaxUint32
)

// validClassName allows namespaced names such as Billing::SendInvoice.
var validClassName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_:\.\-/]*$`)

// validTubeName is the broker's tube charset; a leading hyphen is rejected.
var validTubeName = regexp.MustCompile(`^[a-zA-Z0-9+/;.$_()][a-zA-Z0-9\-+/;.$_()]*$`)

// ValidateClassName validates a job class name
func ValidateClassName(name string) error {
	if name == "" {
		return core.ErrInvalidClassName
	}
	if len(name) > MaxClassNameLength {
		return core.ErrClassNameTooLong
	}
	if !validClassName.MatchString(name) {
		return core.ErrInvalidClassName
	}
	return nil
}

// ValidateTubeName validates a fully expanded tube name
func ValidateTubeName(name string) error {
	if name == "" {
		return core.ErrInvalidTubeName
	}
	if len(name) > MaxTubeNameLength {
		return core.ErrTubeNameTooLong
	}
	if !validTubeName.MatchString(name) {
		return core.ErrInvalidTubeName
	}
	return nil
}

// ValidateBodySize rejects bodies the broker would refuse.
func ValidateBodySize(body []byte) error {
	if len(body) > MaxJobBodySize {
		return core.ErrJobArgsTooLarge
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampRetries ensures retry count is within limits
func ClampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetries {
		return MaxRetries
	}
	return n
}

// ClampConcurrency ensures concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// ClampPriority maps an int priority onto the broker's unsigned range.
func ClampPriority(p int64) uint32 {
	if p < 0 {
		return 0
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return uint32(p)
}

// ClampDelay floors negative delays at zero.
func ClampDelay(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// ClampTTR keeps time-to-run at one second or more, the broker minimum.
func ClampTTR(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d.Truncate(time.Second)
}
