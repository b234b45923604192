package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

// ProviderRateKey buckets provider calls per minute window.
func ProviderRateKey(provider string, window int64) string {
	return fmt.Sprintf("ratelimit:provider:%s:%d", provider, window)
}

func ImageSearchKey(queryHash string) string {
	return fmt.Sprintf("images:search:%s", queryHash)
}

// SchedulerLockKey guards one scheduler task run per tick across instances.
func SchedulerLockKey(task string, tick int64) string {
	return fmt.Sprintf("scheduler:%s:%d", task, tick)
}

// ClientRateKey buckets operator API calls per client per minute window.
func ClientRateKey(client string, window int64) string {
	return fmt.Sprintf("ratelimit:client:%s:%d", client, window)
}
