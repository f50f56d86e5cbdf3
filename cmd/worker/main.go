// The worker consumes attendance sessions off the queue and runs the face
// pipeline to completion. It shares the database and queue with the API
// process but never serves HTTP itself apart from metrics.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rollcall/internal/attendance"
	"rollcall/internal/cloudinary"
	"rollcall/internal/config"
	"rollcall/internal/faceclient"
	"rollcall/internal/pipeline"
	"rollcall/internal/queue"
	"rollcall/internal/store"
)

func main() {
	cfg := config.Load()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connect failed: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(context.Background()); err != nil {
		log.Fatalf("migrate failed: %v", err)
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		// Memory queues don't cross processes; only useful when the API and
		// worker run in one binary during development.
		log.Println("warning: memory queue selected, worker will receive nothing from a separate API process")
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(store.NewRedis(cfg.RedisAddr).Client, "rollcall:sessions")
	}

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip, cfg.DetectionThreshold)
	repo := attendance.NewRepository(db.Client)

	var images attendance.ImageStore
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" {
		images = cloudinaryStore{cloudinary.New(
			cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder,
		)}
	}

	orch := attendance.NewOrchestrator(repo, face, face, pipeline.MatchConfig{
		Threshold: cfg.MatchThreshold,
		Margin:    cfg.MatchMargin,
	}, images)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go serveMetrics(":" + cfg.WorkerMetricsPort)

	msgs, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume failed: %v", err)
	}

	log.Println("worker started, waiting for sessions")
	for {
		select {
		case <-ctx.Done():
			log.Println("worker shutting down")
			return
		case msg, ok := <-msgs:
			if !ok {
				log.Println("queue closed, worker exiting")
				return
			}
			if msg.Type != queue.TypeSession {
				log.Printf("skipping message of type %q", msg.Type)
				continue
			}
			sessionID := string(msg.Body)
			procCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			if err := orch.Process(procCtx, sessionID); err != nil {
				log.Printf("session %s processing error: %v", sessionID, err)
			}
			cancel()
		}
	}
}

// cloudinaryStore adapts the upload client to the orchestrator's ImageStore.
type cloudinaryStore struct {
	client *cloudinary.Client
}

func (s cloudinaryStore) StoreImage(dataURL string) (string, error) {
	res, err := s.client.UploadDataURL(dataURL)
	if err != nil {
		return "", err
	}
	return res.SecureURL, nil
}

// serveMetrics exposes Prometheus metrics and a liveness probe.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("metrics server stopped: %v", err)
	}
}
