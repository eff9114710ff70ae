package process

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShutdownWaitsForComponents(t *testing.T) {
	p := NewProcessContext()
	finished := make(chan struct{})
	p.ComponentStarted()
	go func() {
		<-p.WaitForShutdown()
		time.Sleep(10 * time.Millisecond)
		close(finished)
		p.ComponentFinished()
	}()
	p.ShutdownFedCore()
	p.WaitForComponentsToFinish()
	select {
	case <-finished:
	default:
		t.Fatal("WaitForComponentsToFinish returned before the component finished")
	}
	assert.Error(t, p.Context().Err())
}

func TestDegraded(t *testing.T) {
	p := NewProcessContext()
	assert.False(t, p.IsDegraded())
	p.Degraded(errors.New("jetstream unavailable"))
	p.Degraded(errors.New("database unavailable"))
	assert.True(t, p.IsDegraded())
	assert.Equal(t, []string{"jetstream unavailable", "database unavailable"}, p.DegradedReasons())
}
