package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"surveysync/cmd/surveysync/cmd"
)

// signalContext returns a context that lives until Ctrl+C is pressed.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	return ctx
}

func main() {
	cmd.Execute(signalContext())
}
