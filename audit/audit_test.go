package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"go.gatekeep.dev/throttle/ratelimit"
)

// Callback's write path requires a live PostgreSQL instance, exercised
// in integration environments; here we cover the pure decision of
// whether a given Decision warrants a write.

func TestShouldAuditOnlyBlockedDecisions(t *testing.T) {
	assert.False(t, shouldAudit(ratelimit.Decision{Allowed: true}))
	assert.True(t, shouldAudit(ratelimit.Decision{Allowed: false}))
}

func TestShouldAuditIgnoresBackoffWhenAllowed(t *testing.T) {
	d := ratelimit.Decision{Allowed: true, BackoffInterval: 5 * time.Second}
	assert.False(t, shouldAudit(d))
}
