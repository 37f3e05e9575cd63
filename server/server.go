// Package server wires config, the database, every collaborator package and
// the Engine into a runnable process: build everything in NewServer,
// register routes in Initialize, then Run blocks until a termination signal
// drives a bounded graceful shutdown.
package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"gorm.io/gorm"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/metal0/mailpilot-sub001/api"
	"github.com/metal0/mailpilot-sub001/internal/collaborators"
	"github.com/metal0/mailpilot-sub001/internal/config"
	"github.com/metal0/mailpilot-sub001/internal/events"
	"github.com/metal0/mailpilot-sub001/internal/llmclient"
	"github.com/metal0/mailpilot-sub001/internal/logger"
	"github.com/metal0/mailpilot-sub001/internal/mailpilot"
	"github.com/metal0/mailpilot-sub001/internal/repository"
	"github.com/metal0/mailpilot-sub001/internal/tracing"
	"github.com/metal0/mailpilot-sub001/internal/webhook"
)

// Server owns the HTTP listener and the Engine's lifecycle.
type Server struct {
	cfg          *config.Config
	log          logger.Logger
	httpServer   *http.Server
	router       *gin.Engine
	repos        *repository.Repositories
	engine       *mailpilot.Engine
	tracerCloser io.Closer
}

// NewServer builds every collaborator and wires them into an Engine, exactly
// as main's "server" command expects.
func NewServer(cfg *config.Config, db *gorm.DB) (*Server, error) {
	appLogger := logger.NewAppLogger(cfg.Logger)
	appLogger.InitLogger()

	tracer, closer, err := tracing.NewJaegerTracer(cfg.Tracing, appLogger)
	if err != nil {
		return nil, fmt.Errorf("jaeger tracer init failed: %w", err)
	}
	opentracing.SetGlobalTracer(tracer)

	repos := repository.NewRepositories(db)

	webhookDispatcher := webhook.New(appLogger)

	var eventsPublisher *events.Publisher
	if cfg.AppConfig.RabbitMQURL != "" {
		eventsPublisher, err = events.NewPublisher(cfg.AppConfig.RabbitMQURL, appLogger, nil)
		if err != nil {
			appLogger.Warnf("server: events publisher disabled, failed to connect: %v", err)
			eventsPublisher = nil
		}
	}

	k8sClient := newKubernetesClient(appLogger, cfg.AppConfig.LocalDev)

	engine := mailpilot.New(mailpilot.Deps{
		Log:       appLogger,
		Config:    cfg,
		Repos:     repos,
		LLM:       llmclient.New(),
		Extractor: collaborators.NoopExtractor{},
		Scanner:   collaborators.NoopVirusScanner{},
		Webhook:   webhookDispatcher,
		Events:    eventsPublisher,
		K8s:       k8sClient,
	})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	return &Server{
		cfg:          cfg,
		log:          appLogger,
		router:       router,
		repos:        repos,
		engine:       engine,
		tracerCloser: closer,
		httpServer: &http.Server{
			Addr:    ":" + cfg.AppConfig.APIPort,
			Handler: router,
		},
	}, nil
}

// newKubernetesClient returns nil outside a cluster or in local dev: the
// Scheduler's leader election falls back to running unconditionally when k8s
// is nil.
func newKubernetesClient(log logger.Logger, localDev bool) kubernetes.Interface {
	if localDev {
		return nil
	}
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		log.Warnf("server: not running in Kubernetes, leader election disabled: %v", err)
		return nil
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		log.Warnf("server: failed to build Kubernetes client, leader election disabled: %v", err)
		return nil
	}
	return client
}

// Initialize registers HTTP routes onto the router.
func (s *Server) Initialize(ctx context.Context) error {
	api.RegisterRoutes(ctx, s.router, s.engine, s.cfg.AppConfig)
	return nil
}

func (s *Server) recoverWithJaeger(name string) {
	if r := recover(); r != nil {
		span := opentracing.GlobalTracer().StartSpan(fmt.Sprintf("panic.%s", name))
		defer span.Finish()
		ext.Error.Set(span, true)
		span.LogKV("event", "panic", "process", name, "error", fmt.Sprintf("%v", r), "stack", string(debug.Stack()))
		log.Printf("panic in %s: %v\n%s", name, r, debug.Stack())
	}
}

func (s *Server) wrapGoroutine(name string, fn func()) {
	defer s.recoverWithJaeger(name)
	fn()
}

// Run starts the Engine and the HTTP server, then blocks until a
// termination signal drives a bounded graceful shutdown.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Initialize(ctx); err != nil {
		return err
	}

	engineDone := make(chan struct{})
	go s.wrapGoroutine("engine", func() {
		defer close(engineDone)
		if err := s.engine.Run(ctx); err != nil {
			log.Printf("engine stopped with error: %v", err)
		}
	})

	go s.wrapGoroutine("http_server", func() {
		log.Printf("mailpilot: HTTP server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	})

	log.Println("mailpilot is now running. Press Ctrl+C to exit.")
	return s.waitForShutdown(cancel, engineDone)
}

func (s *Server) waitForShutdown(cancelEngine context.CancelFunc, engineDone <-chan struct{}) error {
	defer s.recoverWithJaeger("shutdown")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.AppConfig.ShutdownTimeoutDuration())
	defer shutdownCancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}

	cancelEngine()
	select {
	case <-engineDone:
		log.Println("engine stopped gracefully")
	case <-time.After(s.cfg.AppConfig.ShutdownTimeoutDuration() + s.cfg.AppConfig.ShutdownForceAfterDuration()):
		log.Println("engine shutdown timed out, forcing exit")
	}

	if s.tracerCloser != nil {
		_ = s.tracerCloser.Close()
	}

	return nil
}
