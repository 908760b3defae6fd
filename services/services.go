package services

import (
	"fmt"
	"os"
	"time"

	"github.com/docpipe/docpipe/config"
	"github.com/docpipe/docpipe/database"
	"github.com/docpipe/docpipe/services/blob"
	"github.com/docpipe/docpipe/services/excel"
	"github.com/docpipe/docpipe/services/ocr"
	"github.com/docpipe/docpipe/services/pipeline"
	"github.com/docpipe/docpipe/services/progress"
	"github.com/docpipe/docpipe/services/queue"
	"github.com/docpipe/docpipe/services/raster"
	"github.com/docpipe/docpipe/services/schema"
	"github.com/docpipe/docpipe/services/vision"
	"github.com/docpipe/docpipe/services/worker"
	"github.com/docpipe/docpipe/utils/cache"
)

// Services bundles everything the API and the workers share
type Services struct {
	Env       *config.EnviornmentVariable
	Store     *database.GORMStore
	Cache     *cache.RedisCache
	Queue     queue.JobQueue
	Blobs     blob.Store
	Vision    vision.Extractor
	Schemas   *schema.Registry
	Exporter  *excel.Exporter
	Tracker   *progress.Tracker
	Documents *DocumentService
}

// Setup wires the shared service graph from configuration. Redis is
// optional; without it the queue and tombstones are in-process only.
func Setup(env *config.EnviornmentVariable, store *database.GORMStore) (*Services, error) {
	var redisCache *cache.RedisCache
	var jobQueue queue.JobQueue

	redisCache, err := cache.NewRedisCache(env.REDIS_URL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Redis unavailable (%v), using in-process queue\n", err)
		redisCache = nil
		jobQueue = queue.NewMemoryQueue()
	} else {
		jobQueue = queue.NewRedisQueue(redisCache.GetClient())
	}

	blobs, err := newBlobStore(env)
	if err != nil {
		return nil, err
	}

	visionClient := vision.NewClient(vision.Config{
		APIKey:    env.VISION_API_KEY,
		BaseURL:   env.VISION_BASE_URL,
		Model:     env.VISION_MODEL_NAME,
		PerMinute: env.RATE_LIMIT_PER_MINUTE,
	})

	registry := schema.NewRegistry(visionClient)
	tracker := progress.NewTracker(progress.NewBus(), redisCache)
	exporter := excel.NewExporter(registry)

	documents := NewDocumentService(DocumentServiceConfig{
		Store:          store,
		Blobs:          blobs,
		Queue:          jobQueue,
		Tracker:        tracker,
		Schemas:        registry,
		Exporter:       exporter,
		MaxUploadBytes: env.MAX_UPLOAD_BYTES,
		MaxPages:       env.MAX_PAGES_PER_DOCUMENT,
	})

	return &Services{
		Env:       env,
		Store:     store,
		Cache:     redisCache,
		Queue:     jobQueue,
		Blobs:     blobs,
		Vision:    visionClient,
		Schemas:   registry,
		Exporter:  exporter,
		Tracker:   tracker,
		Documents: documents,
	}, nil
}

// NewWorkerPool builds the worker pool sharing this service graph
func (s *Services) NewWorkerPool() *worker.Pool {
	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	engine := pipeline.NewEngine(pipeline.Config{
		Store:      s.Store,
		Blobs:      s.Blobs,
		Rasterizer: raster.NewFitzRasterizer(),
		Prep:       raster.NewEnhancer(),
		Vision:     s.Vision,
		OCR:        ocr.NewClient(s.Env.OCR_SERVICE_URL),
		Schemas:    s.Schemas,
		Tracker:    s.Tracker,
		MaxPages:   s.Env.MAX_PAGES_PER_DOCUMENT,
		ModelName:  s.Env.VISION_MODEL_NAME,
		WorkerID:   workerID,
	})

	return worker.NewPool(worker.Config{
		Queue:       s.Queue,
		Engine:      engine,
		Store:       s.Store,
		Tracker:     s.Tracker,
		Concurrency: s.Env.WORKER_CONCURRENCY,
		Timeout:     time.Duration(s.Env.PROCESSING_TIMEOUT_SECONDS) * time.Second,
	})
}

// Close releases shared resources
func (s *Services) Close() {
	if s.Cache != nil {
		s.Cache.Close()
	}
}

func newBlobStore(env *config.EnviornmentVariable) (blob.Store, error) {
	switch env.BLOB_BACKEND {
	case "s3":
		return blob.NewS3Store(blob.S3Config{
			AccessKey: env.S3_ACCESS_KEY,
			SecretKey: env.S3_SECRET_KEY,
			Bucket:    env.S3_BUCKET,
			Region:    env.S3_REGION,
			Endpoint:  env.S3_ENDPOINT,
		})
	default:
		return blob.NewLocalStore(env.BLOB_LOCAL_DIR)
	}
}
