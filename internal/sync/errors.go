package sync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"google.golang.org/api/googleapi"
)

// Kind identifies where in a sync pass an error happened.
type Kind string

const (
	KindTokenRefresh Kind = "token_refresh_failed"
	KindList         Kind = "list_failed"
	KindFetch        Kind = "fetch_failed"
	KindParse        Kind = "parse_failed"
	KindAnalyze      Kind = "analyze_failed"
	KindStore        Kind = "store_failed"
	KindDedup        Kind = "dedup_failed"
	KindTimeout      Kind = "timeout"
)

// Fatal reports whether the kind aborts the integration's pass.
func (k Kind) Fatal() bool {
	return k == KindTokenRefresh || k == KindList
}

// SyncError is one error collected during a sync pass.
type SyncError struct {
	Kind          Kind
	IntegrationID string
	// MessageID is empty for integration-level errors.
	MessageID string
	Err       error
}

func (e *SyncError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("%s: message %s: %v", e.Kind, e.MessageID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Category is the operator-facing triage bucket of an error.
type Category string

const (
	CategoryRateLimit      Category = "rate_limit"
	CategoryAuthentication Category = "authentication"
	CategoryNetwork        Category = "network"
	CategoryTimeout        Category = "timeout"
	CategoryUnknown        Category = "unknown"
)

var categoryOrder = []Category{CategoryRateLimit, CategoryAuthentication, CategoryNetwork, CategoryTimeout, CategoryUnknown}

var (
	rateLimitSignals = []string{"rate limit", "ratelimit", "too many requests", "quota", "throttl", "userratelimitexceeded"}
	authSignals      = []string{"unauthorized", "unauthenticated", "forbidden", "invalid_grant", "invalid_client", "invalid_token", "consent", "revoked", "expired token", "token has been expired"}
	timeoutSignals   = []string{"deadline exceeded", "timeout", "timed out"}
	networkSignals   = []string{"connection refused", "connection reset", "no such host", "network is unreachable", "broken pipe", "eof", "tls handshake", "dial tcp", "i/o timeout"}

	// statusPattern finds a status code reported in text, such as
	// "googleapi: Error 429" or "status code 401".
	statusPattern = regexp.MustCompile(`\b(?:error|status|code)[ :=]*(401|403|429)\b`)
)

// Classify assigns err to a triage category by its status code or by
// matching provider-reported signals in its message. The result is
// advisory and never drives control flow.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	// Classify the cause so message ids in the wrapper are not matched.
	var sErr *SyncError
	if errors.As(err, &sErr) {
		if sErr.Kind == KindTimeout {
			return CategoryTimeout
		}
		if sErr.Err != nil {
			err = sErr.Err
		}
	}

	msg := strings.ToLower(err.Error())

	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		if cat, ok := statusCategory(gErr.Code, msg); ok {
			return cat
		}
	}
	var odErr *odataerrors.ODataError
	if errors.As(err, &odErr) {
		if cat, ok := statusCategory(odErr.ResponseStatusCode, msg); ok {
			return cat
		}
	}
	if m := statusPattern.FindStringSubmatch(msg); m != nil {
		code, _ := strconv.Atoi(m[1])
		if cat, ok := statusCategory(code, msg); ok {
			return cat
		}
	}

	switch {
	case containsAny(msg, rateLimitSignals):
		return CategoryRateLimit
	case containsAny(msg, authSignals):
		return CategoryAuthentication
	}

	var netErr net.Error
	if errors.As(err, &netErr) && !netErr.Timeout() {
		return CategoryNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) || (containsAny(msg, timeoutSignals) && !strings.Contains(msg, "i/o timeout")) {
		return CategoryTimeout
	}
	if containsAny(msg, networkSignals) {
		return CategoryNetwork
	}
	return CategoryUnknown
}

// statusCategory maps an HTTP status to a category. Providers report some
// quota errors as 403, so the message decides between the two.
func statusCategory(code int, msg string) (Category, bool) {
	switch code {
	case 429:
		return CategoryRateLimit, true
	case 401, 403:
		if containsAny(msg, rateLimitSignals) {
			return CategoryRateLimit, true
		}
		return CategoryAuthentication, true
	}
	return "", false
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
