package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// signalError is the cancellation cause recorded when a shutdown signal
// arrives.
type signalError struct {
	sig os.Signal
}

func (e *signalError) Error() string {
	return "interrupted by " + e.sig.String()
}

// shutdownContext cancels on the first SIGINT or SIGTERM, with a
// *signalError as the cause. The worker then aborts running transfers and
// puts their jobs back to pending. A second signal exits at once with
// 128+signo; jobs still marked active are recovered by the next stale reclaim.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancelCause(parent)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go awaitShutdown(ctx, parent, sigCh, cancel, logger)

	return ctx
}

func awaitShutdown(
	ctx, parent context.Context, sigCh chan os.Signal, cancel context.CancelCauseFunc, logger *slog.Logger,
) {
	defer signal.Stop(sigCh)

	var first os.Signal

	select {
	case first = <-sigCh:
	case <-ctx.Done():
		return
	}

	logger.Info("shutting down, returning in-flight jobs to pending",
		slog.String("signal", first.String()),
	)
	cancel(&signalError{sig: first})

	select {
	case sig := <-sigCh:
		logger.Warn("second signal, exiting without waiting for jobs",
			slog.String("signal", sig.String()),
		)
		os.Exit(signalExitCode(sig))
	case <-parent.Done():
	}
}

// signalExitCode follows the shell convention for a process killed by sig.
func signalExitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}

	return 1
}

// reloadSignals delivers SIGHUP until ctx is done.
func reloadSignals(ctx context.Context) <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		<-ctx.Done()
		signal.Stop(ch)
	}()

	return ch
}
