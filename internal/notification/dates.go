package notification

import (
	"strings"
	"time"
)

// dateLayouts — форматы дат в порядке попыток: компактный, затем ISO.
var dateLayouts = []string{"20060102", "2006-01-02"}

// ParseDate разбирает дату публикации (UTC). Пустая или
// нераспознанная строка даёт nil.
func ParseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return &t
		}
	}
	return nil
}

