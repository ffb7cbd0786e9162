package llm

import (
	"errors"
	"net"
	"regexp"
	"strconv"

	"google.golang.org/genai"

	"vision_workflow/internal/core"
)

// go-openai style clients report "error, status code: 429, message: ..."
var statusPattern = regexp.MustCompile(`(?i)status(?:[ _]?code)?\s*[:=]?\s*(\d{3})\b`)

// StatusCode extracts the HTTP status carried by err, or 0 if there is none
func StatusCode(err error) int {
	if err == nil {
		return 0
	}

	var transient *core.TransientRemoteError
	if errors.As(err, &transient) && transient.StatusCode != 0 {
		return transient.StatusCode
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code
	}

	if m := statusPattern.FindStringSubmatch(err.Error()); m != nil {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil {
			return code
		}
	}
	return 0
}

// Classifier decides whether a failed remote call is worth another attempt
type Classifier struct {
	StatusCodes []int
	// Predicate marks additional errors as retryable (for non-HTTP transports)
	Predicate func(error) bool
}

// IsRetryable reports whether err is transient
func (c Classifier) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if code := StatusCode(err); code != 0 {
		for _, retryable := range c.StatusCodes {
			if code == retryable {
				return true
			}
		}
	}

	if c.Predicate != nil && c.Predicate(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
