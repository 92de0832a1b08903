package tpool

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// NotifyOnSignals shuts the pool down when one of sigs arrives (SIGINT and SIGTERM
// when none are given). The returned func stops listening.
func NotifyOnSignals(p *Pool, sigs ...os.Signal) (stop func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}

	signals := make(chan os.Signal, 1)
	quit := make(chan struct{})
	signal.Notify(signals, sigs...)

	go func() {
		defer signal.Stop(signals)

		select {
		case sig := <-signals:
			p.log.WithField("signal", sig.String()).Info("signal received, shutting down connection pool")
			p.Shutdown(context.Background())
		case <-quit:
		case <-p.Done():
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(quit) })
	}
}
