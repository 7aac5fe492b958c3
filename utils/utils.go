package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

// GenerateRateLimitKey creates a unique key for rate limiting
func GenerateRateLimitKey(scope, source, path string) string {
	return fmt.Sprintf("rl:%s:%s:%s", scope, source, path)
}

// Pointer returns a pointer to the given value
func Pointer[T any](v T) *T {
	return &v
}

// ParseDuration parses a duration string (e.g., "1h", "30m") and additionally
// accepts a whole number of days ("30d") or weeks ("2w").
func ParseDuration(durationStr string) (time.Duration, error) {
	s := strings.TrimSpace(durationStr)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	unit := s[len(s)-1]
	if unit == 'd' || unit == 'w' {
		n, err := strconv.Atoi(s[:len(s)-1])
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", durationStr)
		}
		d := time.Duration(n) * 24 * time.Hour
		if unit == 'w' {
			d *= 7
		}
		return d, nil
	}
	return time.ParseDuration(s)
}

// DelayFromUnit converts an amount/unit pair (minutes, hours, days) into a duration.
func DelayFromUnit(amount int, unit string) (time.Duration, error) {
	switch unit {
	case "minutes":
		return time.Duration(amount) * time.Minute, nil
	case "hours", "":
		return time.Duration(amount) * time.Hour, nil
	case "days":
		return time.Duration(amount) * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unknown delay unit %q", unit)
}

// FormatDuration formats a duration in a human-readable way
func FormatDuration(d time.Duration) string {
	if d.Hours() >= 24 {
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%d days", days)
	} else if d.Hours() >= 1 {
		return fmt.Sprintf("%.1f hours", d.Hours())
	} else if d.Minutes() >= 1 {
		return fmt.Sprintf("%.1f minutes", d.Minutes())
	}
	return fmt.Sprintf("%.1f seconds", d.Seconds())
}

// ErrorResponse creates a standardized error response
func ErrorResponse(c *fiber.Ctx, status int, message string, err error) error {
	response := fiber.Map{
		"success": false,
		"error":   message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	return c.Status(status).JSON(response)
}

// SuccessResponse creates a standardized success response
func SuccessResponse(data interface{}) fiber.Map {
	return fiber.Map{
		"success": true,
		"data":    data,
	}
}

// ParseUint safely parses a string to uint
func ParseUint(s string) uint {
	i, _ := strconv.ParseUint(s, 10, 32)
	return uint(i)
}

// CursorPage is a newest-first page with an opaque cursor for the next page
type CursorPage struct {
	Data       interface{} `json:"data"`
	NextCursor string      `json:"next_cursor,omitempty"`
	Limit      int         `json:"limit"`
}
