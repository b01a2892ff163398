// Command worker wires a broker, a task registry, and the dispatcher
// together and runs until an interrupt requests a warm shutdown (a second
// interrupt forces immediate abandonment of in-flight deliveries). It
// registers the example add task and runs against the in-memory broker;
// this binary is a thin reference wiring, not a general-purpose CLI.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"dev.taskcore.worker/examples/addtask"
	"dev.taskcore.worker/internal/broker/inmemory"
	"dev.taskcore.worker/internal/config"
	"dev.taskcore.worker/internal/engine"
	"dev.taskcore.worker/internal/registry"
	"dev.taskcore.worker/internal/tracer"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.NewBuilder().
		WithDefaultQueue("celery").
		WithLogger(logger).
		Build()

	reg := registry.New(logger)
	if err := reg.Register(addtask.Task{}.Name(), tracer.NewBuilder[addtask.Params, int](addtask.Task{})); err != nil {
		logger.WithError(err).Fatal("failed to register task")
	}

	b := inmemory.New()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := b.Connect(ctx); err != nil {
		logger.WithError(err).Fatal("failed to connect broker")
	}
	defer b.Close(context.Background())

	e := engine.New(b, reg, cfg, nil)

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-interrupts
		<-interrupts // a second signal forces immediate shutdown
		e.ForceShutdown()
	}()

	if err := e.Consume(ctx, cfg.DefaultQueue); err != nil {
		logger.WithError(err).Error("dispatcher stopped with error")
		os.Exit(1)
	}
}
