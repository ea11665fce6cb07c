package postgres

import (
	"time"

	"github.com/menu-planning/retryd/internal/domain"
)

func reasonText(r domain.FailureReason) string {
	b, err := r.MarshalText()
	if err != nil {
		return ""
	}
	return string(b)
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
