package api

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/hbomb79/Mirage/internal/api/ingests"
	"github.com/hbomb79/Mirage/pkg/logger"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

var log = logger.Get("API")

const apiBasePath = "/api/mirage/v1"

type (
	RestConfig struct {
		HostAddr string `yaml:"host_address" env:"API_HOST_ADDR" env-default:"0.0.0.0:8080"`
	}

	controller interface {
		SetRoutes(*echo.Group)
	}

	// The RestGateway is a thin-wrapper around the Echo HTTP router. It's sole responsbility
	// is to create the routes Mirage exposes, and to serve them until cancelled.
	RestGateway struct {
		config           *RestConfig
		ec               *echo.Echo
		ingestController controller
	}
)

// NewRestGateway constructs the Echo router and populates it with all the
// routes defined by the various controllers.
func NewRestGateway(config *RestConfig, ingestService ingests.Service) *RestGateway {
	ec := echo.New()
	ec.OnAddRouteHandler = func(host string, route echo.Route, handler echo.HandlerFunc, middleware []echo.MiddlewareFunc) {
		log.Emit(logger.DEBUG, "Registered new route %s %s\n", route.Method, route.Path)
	}
	ec.HidePort = true
	ec.HideBanner = true

	validate := validator.New()
	gateway := &RestGateway{
		config:           config,
		ec:               ec,
		ingestController: ingests.New(validate, ingestService),
	}

	ec.Use(middleware.Logger())
	ec.Use(middleware.Recover())
	ec.Pre(middleware.AddTrailingSlash())

	ingests := ec.Group(apiBasePath + "/ingests")
	gateway.ingestController.SetRoutes(ingests)

	return gateway
}

// ServeHTTP allows the gateway to be served by any HTTP server.
func (gateway *RestGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gateway.ec.ServeHTTP(w, r)
}

// Run starts the Echo router on the configured host address, and
// blocks until the context provided is cancelled or the router fails.
func (gateway *RestGateway) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)
	wg := &sync.WaitGroup{}

	// Start echo router
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Emit(logger.NEW, "Serving API on %s\n", gateway.config.HostAddr)
		if err := gateway.ec.Start(gateway.config.HostAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ctxCancel(err)
		}
	}()

	// Start thread to listen for context cancellation
	go func(ec *echo.Echo) {
		<-ctx.Done()
		ec.Close()
	}(gateway.ec)

	wg.Wait()
	ctxCancel(nil)

	// Return cancellation cause if any, otherwise nil as parent context
	// cancellation is not an error case we should report.
	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}

	return nil
}
