package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/3rs4lg4d0/goevents/api"
	"github.com/3rs4lg4d0/goevents/config"
	"github.com/3rs4lg4d0/goevents/pipeline"
)

// Services selects what a process runs. The storage service owns the consumer
// and the query routes, processing owns the aggregator.
type Services struct {
	Receiver   bool
	Storage    bool
	Processing bool
}

func (s Services) String() string {
	var names []string
	if s.Receiver {
		names = append(names, "receiver")
	}
	if s.Storage {
		names = append(names, "storage")
	}
	if s.Processing {
		names = append(names, "processing")
	}
	return strings.Join(names, "+")
}

func (s Services) needsDatastore(cfg *config.Config) bool {
	return s.Storage || (s.Processing &&
		(cfg.Processing.Source == config.SourceDatastore || cfg.Checkpoint.Backend == config.CheckpointDatastore))
}

// Runtime is a fully wired process.
type Runtime struct {
	app        *App
	services   Services
	Server     *api.Server
	Ingestor   *pipeline.Ingestor
	Consumer   *pipeline.Consumer
	Aggregator *pipeline.Aggregator

	broker        *pipeline.Broker
	brokerClosers []func() error
	storeClosers  []func() error
}

// Build connects to every backend the services need and wires the components.
func (a *App) Build(ctx context.Context, svc Services) (_ *Runtime, err error) {
	if !svc.Receiver && !svc.Storage && !svc.Processing {
		return nil, errors.New("no service selected")
	}
	r := &Runtime{app: a, services: svc}
	defer func() {
		if err != nil {
			_ = r.release()
		}
	}()

	s := a.Settings()
	r.Server = api.New(api.Settings{
		Addr:         a.cfg.Server.Addr(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}, a.zl, a.Gatherer())
	r.Server.SetLogger(a.Logger("http"))

	if svc.Receiver || svc.Storage {
		r.broker, r.brokerClosers, err = a.NewBroker(ctx, BrokerSides{Publish: svc.Receiver, Subscribe: svc.Storage})
		if err != nil {
			return nil, err
		}
	}

	var ds Datastore
	if svc.needsDatastore(a.cfg) {
		var closer func() error
		ds, closer, err = a.NewDatastore(ctx)
		if err != nil {
			return nil, err
		}
		r.storeClosers = append(r.storeClosers, closer)
	}

	if svc.Receiver {
		gen, err := pipeline.TraceIDGenerator(a.cfg.Ingest.TraceIDFormat)
		if err != nil {
			return nil, err
		}
		r.Ingestor = pipeline.NewIngestor(r.broker,
			pipeline.WithLogger(a.Logger("ingestor")),
			pipeline.WithTraceIDGenerator(gen),
			a.counters.Ingestor.Option(),
		)
		r.Server.RegisterReceiver(r.Ingestor)
	}

	if svc.Storage {
		r.Consumer = pipeline.NewConsumer(s, r.broker, ds,
			pipeline.WithLogger(a.Logger("consumer")),
			a.counters.Consumer.Option(),
		)
		r.Server.RegisterStorage(ds)
	}

	if svc.Processing {
		counter, err := a.NewEventCounter(ds)
		if err != nil {
			return nil, err
		}
		checkpoints, closer, err := a.NewCheckpointStore(ctx, ds)
		if err != nil {
			return nil, err
		}
		r.storeClosers = append([]func() error{closer}, r.storeClosers...)
		r.Aggregator = pipeline.NewAggregator(s, counter, checkpoints,
			pipeline.WithLogger(a.Logger("aggregator")),
			a.counters.Aggregator.Option(),
		)
		r.Server.RegisterProcessing(r.Aggregator)
	}
	return r, nil
}

// Run serves until ctx is cancelled or a component fails, then shuts down in
// order: HTTP server, consumer, aggregator, broker and stores.
func (r *Runtime) Run(ctx context.Context) error {
	log := r.app.Logger("runtime")
	errCh := make(chan error, 3)

	consumerCtx, stopConsumer := context.WithCancel(context.WithoutCancel(ctx))
	defer stopConsumer()
	consumerDone := make(chan struct{})
	if r.Consumer != nil {
		go func() {
			defer close(consumerDone)
			if err := r.Consumer.Run(consumerCtx); err != nil {
				errCh <- fmt.Errorf("consumer: %w", err)
			}
		}()
	} else {
		close(consumerDone)
	}

	aggregatorCtx, stopAggregator := context.WithCancel(context.WithoutCancel(ctx))
	defer stopAggregator()
	aggregatorDone := make(chan struct{})
	if r.Aggregator != nil {
		go func() {
			defer close(aggregatorDone)
			r.Aggregator.Run(aggregatorCtx)
		}()
	} else {
		close(aggregatorDone)
	}

	go func() {
		if err := r.Server.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	log.Info(fmt.Sprintf("%s started", r.services))

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errCh:
		log.Error("shutting down after a failure", runErr)
	}

	timeout := r.app.Settings().ShutdownTimeout
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	errs := []error{runErr}
	if err := r.Server.Shutdown(sctx); err != nil {
		errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
	}
	stopConsumer()
	if !wait(sctx, consumerDone) {
		errs = append(errs, errors.New("consumer did not stop in time"))
	}
	stopAggregator()
	if !wait(sctx, aggregatorDone) {
		errs = append(errs, errors.New("aggregator did not stop in time"))
	}
	errs = append(errs, r.release())
	log.Info("bye")
	return errors.Join(errs...)
}

func wait(ctx context.Context, done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// release closes the broker, then the stores and finally the metrics backend.
func (r *Runtime) release() error {
	var errs []error
	if r.broker != nil {
		errs = append(errs, r.broker.Close())
	}
	for _, c := range r.brokerClosers {
		errs = append(errs, c())
	}
	for _, c := range r.storeClosers {
		errs = append(errs, c())
	}
	errs = append(errs, r.app.Close())
	return errors.Join(errs...)
}
