package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tasktriggerer/internal/config"
	"tasktriggerer/internal/logging"
	"tasktriggerer/internal/task"
	"tasktriggerer/internal/telemetry"
	"tasktriggerer/internal/triggering"
)

// inlineProcessingService is the minimal in-process task runner this binary
// ships with: it executes a task on its own goroutine and reports capacity by
// a simple semaphore. A hosting application with a real execution pipeline is
// expected to supply its own ProcessingService instead.
type inlineProcessingService struct {
	slots     chan struct{}
	listeners []triggering.CompletionListener
}

func newInlineProcessingService(capacity int) *inlineProcessingService {
	return &inlineProcessingService{slots: make(chan struct{}, capacity)}
}

func (s *inlineProcessingService) AddTaskForProcessing(_ context.Context, tt triggering.TaskTriggering) triggering.AddTaskForProcessingResponse {
	select {
	case s.slots <- struct{}{}:
	default:
		return triggering.AddTaskForProcessingResponse{Result: triggering.ResultFull}
	}
	go func() {
		logging.L().Info("task triggered", "task_id", tt.Task.ID, "type", tt.Task.Type, "bucket", tt.BucketID)
		<-s.slots
		for _, l := range s.listeners {
			l(tt)
		}
	}()
	return triggering.AddTaskForProcessingResponse{Result: triggering.ResultOK}
}

func (s *inlineProcessingService) AddTaskTriggeringFinishedListener(fn triggering.CompletionListener) {
	s.listeners = append(s.listeners, fn)
}

// staticHandlerRegistry routes every task type to the default bucket. A real
// deployment supplies a registry backed by its own task-type catalog.
type staticHandlerRegistry struct{ bucket string }

func (r staticHandlerRegistry) TaskHandler(task.Task) triggering.TaskHandler {
	return staticHandler{bucket: r.bucket}
}

type staticHandler struct{ bucket string }

func (h staticHandler) ProcessingBucket(task.Task) string { return h.bucket }

// logOnlyTaskDao stands in for the real task store: it logs status changes
// and always reports success.
type logOnlyTaskDao struct{}

func (logOnlyTaskDao) SetStatus(_ context.Context, id int64, status task.Status, expectedVersion int64) bool {
	logging.L().Warn("task status change", "task_id", id, "status", status, "expected_version", expectedVersion)
	return true
}

func main() {
	configPath := flag.String("config", "", "path to the triggerer YAML config")
	metricsPort := flag.Int("metrics-port", 9100, "port to serve /metrics on")
	flag.Parse()

	logging.InitFromEnv()

	props, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("triggerer: load config: %v", err)
	}

	telemetry.Expose(*metricsPort)
	metrics := triggering.NewMetrics(prometheus.DefaultRegisterer)

	producer, err := triggering.NewProducer(props)
	if err != nil {
		log.Fatalf("triggerer: start producer: %v", err)
	}
	defer producer.Close()

	processingService := newInlineProcessingService(64)
	registry := staticHandlerRegistry{bucket: config.DefaultBucketID}
	dao := logOnlyTaskDao{}

	trig := triggering.NewTriggerer(props, registry, dao, processingService, producer, metrics)
	trig.Lifecycle().ApplicationStarted()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logging.L().Info("triggerer: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		trig.Lifecycle().PrepareForShutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logging.L().Warn("triggerer: shutdown timed out waiting for buckets to stop")
	}
}
