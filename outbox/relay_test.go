package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRelay_Backoff(t *testing.T) {
	r := NewRelay(nil, nil, RelayOptions{Interval: time.Second, MaxBackoff: 10 * time.Second}, nil)

	assert.Equal(t, time.Second, r.backoff(1))
	assert.Equal(t, 2*time.Second, r.backoff(2))
	assert.Equal(t, 8*time.Second, r.backoff(4))
	assert.Equal(t, 10*time.Second, r.backoff(5))
	assert.Equal(t, 10*time.Second, r.backoff(60))
}
