package tasks

import (
	"math"
	"strconv"
	"strings"
	"time"

	"subscription_bot/internal/domain/batch"
)

const (
	expiryDateLayout = "02.01.2006"
	fallbackName     = "Dear subscriber"
)

// renderTemplate substitutes the recognized {TOKENS} with the target's data.
// Tokens without a value render as "".
func renderTemplate(tmpl string, item batch.Target, now time.Time) string {
	var firstName string
	if fields := strings.Fields(item.FullName); len(fields) > 0 {
		firstName = fields[0]
	}

	var username string
	if item.Username != "" {
		username = "@" + strings.TrimPrefix(item.Username, "@")
	}

	var userID string
	if item.TelegramID != 0 {
		userID = strconv.FormatInt(item.TelegramID, 10)
	}

	var expiry, daysRemaining, daysSince string
	if !item.ExpiryDate.IsZero() {
		expiry = item.ExpiryDate.Format(expiryDateLayout)
		hours := item.ExpiryDate.Sub(now).Hours()
		daysRemaining = strconv.Itoa(int(math.Max(0, math.Ceil(hours/24))))
		daysSince = strconv.Itoa(int(math.Max(0, math.Floor(-hours/24))))
	}

	r := strings.NewReplacer(
		"{FULL_NAME}", item.FullName,
		"{FIRST_NAME}", firstName,
		"{USERNAME}", username,
		"{USER_ID}", userID,
		"{SUBSCRIPTION_NAME}", item.SubscriptionName,
		"{EXPIRY_DATE}", expiry,
		"{DAYS_REMAINING}", daysRemaining,
		"{DAYS_SINCE_EXPIRY}", daysSince,
	)
	return r.Replace(tmpl)
}

// withFallbackIdentity hides user-supplied names that broke HTML parsing.
func withFallbackIdentity(item batch.Target) batch.Target {
	item.FullName = fallbackName
	item.Username = ""
	return item
}
