package cache

import (
	"fmt"
	"time"

	"github.com/kiranshivaraju/bastion/internal/events"
)

// RateLimitKey buckets requests of one token into fixed windows.
func RateLimitKey(tokenPrefix string, window time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%d", tokenPrefix, window.Unix())
}

func EventChannel(t events.Type) string {
	return fmt.Sprintf("bastion:events:%s", t)
}
