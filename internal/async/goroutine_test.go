package async

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type channelLogger struct {
	messages chan string
}

func (l *channelLogger) Error(format string, args ...any) {
	l.messages <- fmt.Sprintf(format, args...)
}

func TestGoRunsFunction(t *testing.T) {
	done := make(chan struct{})
	Go(nil, "worker", func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("function never ran")
	}
}

func TestGoRecoversPanic(t *testing.T) {
	logger := &channelLogger{messages: make(chan string, 1)}
	Go(logger, "worker", func() { panic("boom") })

	select {
	case msg := <-logger.messages:
		assert.Contains(t, msg, "worker")
		assert.Contains(t, msg, "boom")
	case <-time.After(time.Second):
		t.Fatal("panic was not reported")
	}
}

func TestGoPanicWithNilLoggerDoesNotCrash(t *testing.T) {
	Go(nil, "worker", func() { panic("boom") })
	// the goroutine must die quietly; give it a moment to unwind
	time.Sleep(50 * time.Millisecond)
}
