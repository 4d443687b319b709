package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClampRunAt_FutureTimestampUnchanged(t *testing.T) {
	now := int64(1_000_000)
	assert.Equal(t, int64(1_500_000), clampRunAt(now, 1_500_000))
}

func TestClampRunAt_PastTimestampClampedToNow(t *testing.T) {
	now := int64(1_000_000)
	assert.Equal(t, now, clampRunAt(now, 500_000))
}

func TestClampRunAt_ExactlyNow(t *testing.T) {
	now := int64(1_000_000)
	assert.Equal(t, now, clampRunAt(now, now))
}

func TestBackoffDelay_DoublesEachRetry(t *testing.T) {
	base := time.Second
	assert.Equal(t, time.Second, backoffDelay(0, base))
	assert.Equal(t, 2*time.Second, backoffDelay(1, base))
	assert.Equal(t, 4*time.Second, backoffDelay(2, base))
	assert.Equal(t, 8*time.Second, backoffDelay(3, base))
}

func TestRegisterHandler_HandlerForReturnsRegistered(t *testing.T) {
	s := New(nil)
	s.RegisterHandler("send_email", func(ctx context.Context, args json.RawMessage) error { return nil })
	h, ok := s.handlerFor("send_email")
	assert.True(t, ok)
	assert.NotNil(t, h)
}

func TestHandlerFor_UnknownPathNotFound(t *testing.T) {
	s := New(nil)
	_, ok := s.handlerFor("nonexistent")
	assert.False(t, ok)
}

func TestUnregisteredHandlerErr_Message(t *testing.T) {
	err := &unregisteredHandlerErr{path: "foo"}
	assert.Contains(t, err.Error(), "foo")
}

func TestItoa(t *testing.T) {
	cases := map[int]string{0: "0", 7: "7", -7: "-7", 42: "42"}
	for in, want := range cases {
		assert.Equal(t, want, itoa(in))
	}
}
