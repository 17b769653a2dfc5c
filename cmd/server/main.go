package main

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"mediaflow/internal/application/events"
	"mediaflow/internal/application/janitor"
	"mediaflow/internal/application/media"
	"mediaflow/internal/application/progress"
	"mediaflow/internal/application/resources"
	"mediaflow/internal/application/segment"
	"mediaflow/internal/application/transcribe"
	"mediaflow/internal/config"
	"mediaflow/internal/infrastructure/ffmpeg"
	"mediaflow/internal/infrastructure/filesystem"
	"mediaflow/internal/infrastructure/inference"
	"mediaflow/internal/infrastructure/ytdlp"
	"mediaflow/internal/logger"
	httptransport "mediaflow/internal/transport/http"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log := logger.New(cfg.Environment, cfg.LogLevel)

	_ = mime.AddExtensionType(".mp4", "video/mp4")
	_ = mime.AddExtensionType(".mp3", "audio/mpeg")
	_ = mime.AddExtensionType(".txt", "text/plain; charset=utf-8")

	store := filesystem.NewStore(cfg.OutputDir)
	if err := store.EnsureRoot(); err != nil {
		log.WithError(err).Fatal("storage init failed")
	}

	ledger := resources.NewLedger(resources.Options{
		MaxConcurrentPerUser: cfg.MaxConcurrentPerUser,
		MaxDiskBytes:         cfg.MaxDiskBytes,
		MinFreeBytes:         cfg.MinFreeBytes,
	}, store, log)
	tracker := progress.NewStore(progress.Options{
		Retention:   cfg.ProgressRetention,
		EvictActive: cfg.EvictActiveProgress,
	}, log)
	hub := events.NewHub(0)

	sensevoice := inference.NewSenseVoice(cfg.SenseVoiceURL, cfg.SenseVoiceModel, cfg.InferenceTimeout, log)
	whisper := inference.NewWhisper(cfg.WhisperURL, cfg.WhisperModel, cfg.InferenceTimeout, log)
	router := transcribe.NewRouter(sensevoice, whisper, whisper, log)
	if !router.Available() {
		log.Warn("no transcription backend configured; transcribe jobs will fail")
	}

	service := media.NewService(media.Deps{
		Ledger:     ledger,
		Progress:   tracker,
		Events:     hub,
		Router:     router,
		Files:      store,
		Extractor:  ytdlp.NewExtractor(cfg.YtDlpPath, log),
		Transcoder: ffmpeg.NewConverter(cfg.FFmpegPath, cfg.FFprobePath),
	}, media.Options{
		Root:              cfg.OutputDir,
		DownloadTimeout:   cfg.DownloadTimeout,
		ConvertTimeout:    cfg.ConvertTimeout,
		TranscribeTimeout: cfg.TranscribeTimeout,
		ReadIdle:          cfg.ReadIdleTimeout,
		Workers:           cfg.TranscribeWorkers,
		Segment: segment.Options{
			Threshold:  cfg.SilenceThreshold,
			MinSilence: cfg.MinSilence,
			MinSegment: cfg.MinSegment,
			MaxSegment: cfg.MaxSegment,
		},
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	janitor.New(store, tracker, ledger, service, janitor.Options{
		Root:              cfg.OutputDir,
		Interval:          cfg.CleanupInterval,
		MaxFileAge:        cfg.MaxFileAge,
		MaxUserFiles:      cfg.MaxUserFiles,
		ProgressRetention: cfg.ProgressRetention,
	}, log).Start(ctx)

	handler := httptransport.NewHandler(service, httptransport.NewSubmitLimiter(cfg.SubmitRPS, cfg.SubmitBurst))
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Last-Event-ID", logger.RequestIDHeader},
		ExposedHeaders:   []string{logger.RequestIDHeader, "Content-Range", "Content-Disposition"},
		AllowCredentials: true,
	})
	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           c.Handler(httptransport.NewRouter(handler, log)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.ServerAddr).Info("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := service.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("jobs did not stop in time")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
}
