package process

import (
	"context"
	"fmt"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// ProcessContext ties the lifetime of the long-running components to the
// lifetime of the process.
type ProcessContext struct {
	wg       *sync.WaitGroup    // used to wait for components to shutdown
	ctx      context.Context    // cancelled when ShutdownFedCore is called
	shutdown context.CancelFunc // shut down fedcore
	degraded atomic.Bool

	mu      sync.Mutex
	reasons []string
}

func NewProcessContext() *ProcessContext {
	ctx, shutdown := context.WithCancel(context.Background())
	return &ProcessContext{
		ctx:      ctx,
		shutdown: shutdown,
		wg:       &sync.WaitGroup{},
	}
}

func (b *ProcessContext) Context() context.Context {
	return context.WithValue(b.ctx, "scope", "process") // nolint:staticcheck
}

func (b *ProcessContext) ComponentStarted() {
	b.wg.Add(1)
}

func (b *ProcessContext) ComponentFinished() {
	b.wg.Done()
}

func (b *ProcessContext) ShutdownFedCore() {
	b.shutdown()
}

func (b *ProcessContext) WaitForShutdown() <-chan struct{} {
	return b.ctx.Done()
}

func (b *ProcessContext) WaitForComponentsToFinish() {
	b.wg.Wait()
}

// Degraded marks the process as degraded. Only the first call reports to
// Sentry, every reason is kept for DegradedReasons.
func (b *ProcessContext) Degraded(err error) {
	b.mu.Lock()
	b.reasons = append(b.reasons, err.Error())
	b.mu.Unlock()
	if b.degraded.CompareAndSwap(false, true) {
		logrus.WithError(err).Warn("fedcore is running in a degraded state")
		sentry.CaptureException(fmt.Errorf("process is running in a degraded state: %w", err))
	}
}

func (b *ProcessContext) IsDegraded() bool {
	return b.degraded.Load()
}

func (b *ProcessContext) DegradedReasons() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.reasons...)
}
