package rabbitmq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClampPriority(t *testing.T) {
	tests := []struct {
		name     string
		priority int
		max      uint8
		want     uint8
	}{
		{name: "no priority queue", priority: 5, max: 0, want: 0},
		{name: "negative", priority: -3, max: 10, want: 0},
		{name: "in range", priority: 7, max: 10, want: 7},
		{name: "above max", priority: 50, max: 10, want: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClampPriority(tt.priority, tt.max))
		})
	}
}

func TestPublishBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, PublishBackoff(0, 0, 0))
	assert.Equal(t, 400*time.Millisecond, PublishBackoff(0, 0, 2))
	assert.Equal(t, 900*time.Millisecond, PublishBackoff(100*time.Millisecond, 3, 2))
}

func TestQueueArgs(t *testing.T) {
	assert.Nil(t, queueArgs(&Config{}))
	assert.Equal(t, uint8(10), queueArgs(&Config{MaxPriority: 10})["x-max-priority"])
}

func TestClient_NotConnected(t *testing.T) {
	c := &Client{config: &Config{}}

	assert.ErrorIs(t, c.Qos(1), ErrNotConnected)
	_, err := c.Consume("tag")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, c.IsConnected())
}
