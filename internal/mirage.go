package internal

import (
	"context"
	"fmt"
	"sync"

	"github.com/hbomb79/Mirage/internal/api"
	"github.com/hbomb79/Mirage/internal/ingest"
	"github.com/hbomb79/Mirage/pkg/logger"
)

var log = logger.Get("Core")

type (
	RunnableService interface {
		Run(context.Context) error
	}

	IngestService interface {
		IngestMany(context.Context, ingest.SourceRequest) *ingest.Result
		IngestSingle(context.Context, ingest.TargetRequest) <-chan ingest.Event
	}
)

// Mirage represents the top-level object for the server, and is responsible
// for initialising the ingestion service and the API that exposes it.
type mirageImpl struct {
	config        MirageConfig
	ingestService IngestService
	restGateway   RunnableService
}

func New(config MirageConfig) *mirageImpl {
	log.Emit(logger.DEBUG, "Bootstrapping Mirage services using config: %#v\n", config)
	if config.Ingest.FetchParallelism < 1 {
		log.Emit(logger.WARNING, "Fetch parallelism of %d is illegal, ingestions will be processed one at a time\n", config.Ingest.FetchParallelism)
	}

	service := ingest.NewDefault(config.Ingest)
	return &mirageImpl{
		config:        config,
		ingestService: service,
		restGateway:   api.NewRestGateway(&config.RestConfig, service),
	}
}

// IngestService returns the ingestion service used by this Mirage instance.
func (mirage *mirageImpl) IngestService() IngestService {
	return mirage.ingestService
}

// Run will start the API of Mirage. This function will not return until
// Mirage is stopped. To stop Mirage, the provided context must be cancelled.
// Errors from which Mirage cannot recover will also cause Mirage to stop.
func (mirage *mirageImpl) Run(parent context.Context) error {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel(fmt.Errorf("%s crashed: %w", label, err))
	}

	wg := &sync.WaitGroup{}
	mirage.spawnAsyncService(ctx, wg, mirage.restGateway, "rest-gateway", crashHandler)
	log.Emit(logger.SUCCESS, "Mirage services spawned!\n")

	wg.Wait()
	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}

	return nil
}

// spawnAsyncService will run the provided service as it's own
// go-routine, ensuring that the Mirage service waitgroup is updated correctly
func (mirage *mirageImpl) spawnAsyncService(ctx context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(wg *sync.WaitGroup, label string, crash func(string, error)) {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		if err := service.Run(ctx); err != nil {
			crash(label, err)
		}
	}(wg, serviceLabel, crashHandler)
}
