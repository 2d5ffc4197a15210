package tasks

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	domainTelegram "subscription_bot/internal/domain/telegram"
)

// Error keys recorded in batch error details and summaries.
const (
	KeyUserBlocked     = "user_blocked"
	KeyChatNotFound    = "chat_not_found"
	KeyUserDeactivated = "user_deactivated"
	KeyParseError      = "parse_error"
	KeyMissingData     = "missing_data"
	KeyFloodWait       = "flood_wait"
	KeyUnknownError    = "unknown_error"
	KeyHandlerNotFound = "handler_not_found"
	KeyServerRestart   = "server_restart"
)

// ErrMissingTelegramID marks a target without a subject identifier.
var ErrMissingTelegramID = errors.New("missing telegram_id")

// ValidationError is a local input problem; resending the same input cannot succeed.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Classification is the stable description of a failure.
type Classification struct {
	Key        string
	Message    string
	Retryable  bool
	RetryAfter time.Duration // set for flood_wait only
}

var retryAfterRe = regexp.MustCompile(`retry after (\d+)`)

type rule struct {
	substr    string
	key       string
	message   string
	retryable bool
}

var rules = []rule{
	{"blocked by the user", KeyUserBlocked, "User has blocked the bot", false},
	{"chat not found", KeyChatNotFound, "Chat not found", false},
	{"user is deactivated", KeyUserDeactivated, "User account is deactivated", false},
	{"can't parse entities", KeyParseError, "Message formatting could not be parsed", true},
	{"missing telegram_id", KeyMissingData, "Telegram ID is missing", false},
}

// Classify maps a failure to its error key, message and retryability.
// The result depends only on the error's type and text.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Key: KeyUnknownError, Message: "unknown error", Retryable: true}
	}

	text := err.Error()
	lower := strings.ToLower(text)
	for _, r := range rules {
		if strings.Contains(lower, r.substr) {
			return Classification{Key: r.key, Message: r.message, Retryable: r.retryable}
		}
	}

	var flood *domainTelegram.FloodWaitError
	if errors.As(err, &flood) {
		return floodClassification(flood.RetryAfter)
	}
	if strings.Contains(lower, "too many requests") || strings.Contains(lower, "flood") {
		wait := time.Duration(0)
		if m := retryAfterRe.FindStringSubmatch(lower); m != nil {
			if secs, convErr := strconv.Atoi(m[1]); convErr == nil {
				wait = time.Duration(secs) * time.Second
			}
		}
		return floodClassification(wait)
	}

	var validation *ValidationError
	if errors.As(err, &validation) {
		return Classification{Key: KeyUnknownError, Message: text, Retryable: false}
	}
	return Classification{Key: KeyUnknownError, Message: text, Retryable: true}
}

func floodClassification(wait time.Duration) Classification {
	return Classification{
		Key:        KeyFloodWait,
		Message:    fmt.Sprintf("Flood control: retry after %d seconds", int(wait/time.Second)),
		Retryable:  true,
		RetryAfter: wait,
	}
}

// errorType names the concrete error for FailedSendDetail.ErrorType.
func errorType(err error) string {
	if err == nil {
		return "Unknown"
	}
	var flood *domainTelegram.FloodWaitError
	if errors.As(err, &flood) {
		return "FloodWaitError"
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return "ValidationError"
	}
	t := fmt.Sprintf("%T", err)
	if i := strings.LastIndex(t, "."); i >= 0 {
		t = t[i+1:]
	}
	return strings.TrimPrefix(t, "*")
}
