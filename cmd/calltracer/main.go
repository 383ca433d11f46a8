package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/calltracer/internal/calltrace"
	"github.com/getsentry/calltracer/internal/envutil"
	"github.com/getsentry/calltracer/internal/httputil"
	"github.com/getsentry/calltracer/internal/logutil"
	"github.com/getsentry/calltracer/internal/metrics"
	"github.com/getsentry/calltracer/internal/simhost"
)

type environment struct {
	config ServiceConfig

	rt       *simhost.Runtime
	workload *workload

	stopWorkload context.CancelFunc
	workloadDone chan error

	// mu serializes capture sessions and guards the fields below.
	mu        sync.Mutex
	captureID string
	functions metrics.Aggregator
}

var release string

// releaseName returns CALLTRACER_RELEASE, or the release set at build time.
func releaseName() string {
	return envutil.GetEnvOrFallback("CALLTRACER_RELEASE", release)
}

func newEnvironment(config ServiceConfig) (*environment, error) {
	traceConfig, err := calltrace.ConfigFromEnv()
	if err != nil {
		return nil, err
	}

	e := environment{
		config:    config,
		rt:        simhost.NewRuntime(),
		functions: metrics.NewAggregator(config.MaxUniqueFunctions, config.MaxNumOfExamples),
	}
	e.workload = newWorkload(e.rt, config.Workers, config.WorkloadInterval)
	if traceConfig.ModuleCallCode == 0 {
		traceConfig.ModuleCallCode = e.workload.moduleCall
	}
	if len(traceConfig.PathPrefixes) == 0 {
		traceConfig.PathPrefixes = e.workload.pathPrefixes()
	}
	if err := calltrace.Init(e.rt, traceConfig); err != nil {
		return nil, fmt.Errorf("initializing call tracer: %w", err)
	}
	return &e, nil
}

func (e *environment) start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.stopWorkload = cancel
	e.workloadDone = make(chan error, 1)
	go func() {
		e.workloadDone <- e.workload.Run(ctx)
	}()
	log.Info().Int("workers", e.config.Workers).Dur("interval", e.config.WorkloadInterval).Msg("workload started")
}

func (e *environment) shutdown() {
	if e.stopWorkload != nil {
		e.stopWorkload()
		if err := <-e.workloadDone; err != nil {
			sentry.CaptureException(err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if r := calltrace.Default(); r != nil && r.Active() {
		if err := calltrace.StopCapture(); err != nil {
			sentry.CaptureException(err)
		}
	}
	if err := calltrace.ClearCapture(); err != nil {
		sentry.CaptureException(err)
	}
	sentry.Flush(5 * time.Second)
}

func (e *environment) newRouter() (*httprouter.Router, error) {
	compress, err := httpcompression.DefaultAdapter()
	if err != nil {
		return nil, err
	}

	routes := []struct {
		method  string
		path    string
		handler http.HandlerFunc
	}{
		{http.MethodPost, "/capture/start", e.postStartCapture},
		{http.MethodPost, "/capture/stop", e.postStopCapture},
		{http.MethodPost, "/capture/clear", e.postClearCapture},
		{http.MethodGet, "/capture/events", e.getEvents},
		{http.MethodGet, "/capture/speedscope", e.getSpeedscope},
		{http.MethodGet, "/capture/chrometrace", e.getChromeTrace},
		{http.MethodGet, "/capture/functions", e.getFunctions},
		{http.MethodGet, "/health", e.getHealth},
	}

	router := httprouter.New()

	for _, route := range routes {
		handlerFunc := httputil.NameTransaction(route.path, route.handler)
		handlerFunc = httputil.DecompressPayload(handlerFunc)
		handler := compress(handlerFunc)

		router.Handler(route.method, route.path, handler)
	}

	return router, nil
}

func (e *environment) newHandler() (http.Handler, error) {
	router, err := e.newRouter()
	if err != nil {
		return nil, err
	}
	return sentryhttp.New(sentryhttp.Options{}).Handle(router), nil
}

func main() {
	config, err := readServiceConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("error reading config")
	}
	logutil.ConfigureLogger(config.LogLevel)

	err = sentry.Init(sentry.ClientOptions{
		BeforeSend:       httputil.SetHTTPStatusCodeTag,
		Dsn:              config.SentryDSN,
		EnableTracing:    true,
		Environment:      config.Environment,
		Release:          releaseName(),
		TracesSampleRate: 1.0,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("can't initialize sentry")
	}

	env, err := newEnvironment(config)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("error setting up environment")
	}

	handler, err := env.newHandler()
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("error setting up the router")
	}

	env.start()

	server := http.Server{
		Addr:              ":" + envutil.GetPort(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	waitForShutdown := make(chan struct{})
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c

		cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(cctx); err != nil {
			sentry.CaptureException(err)
			log.Err(err).Msg("error shutting down server")
		}

		close(waitForShutdown)
	}()

	log.Info().Str("addr", server.Addr).Msg("listening")
	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		sentry.CaptureException(err)
		log.Err(err).Msg("server failed")
	}

	<-waitForShutdown

	// Stop the workload and release the capture after the HTTP connections are closed
	env.shutdown()
}

func (e *environment) getHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
