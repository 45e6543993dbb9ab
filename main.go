package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"StoryFlow-server/config"
	"StoryFlow-server/models"
	"StoryFlow-server/routers"
	"StoryFlow-server/service"

	"github.com/gofrs/flock"
	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "storyflow",
	Short: "StoryFlow workflow server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and workflow engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "./config/config.yaml"
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultPath, "path to config.yaml")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func serve() error {
	config.InitConfig(configPath)
	cfg := config.AppConfig

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	// 单用户单进程：同一数据目录只允许一个实例
	lock := flock.New(filepath.Join(cfg.DataDir, "storyflow.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another StoryFlow instance is using %s", cfg.DataDir)
	}
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(cfg.Logging.AppLog), 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(cfg.Logging.AppLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()
	// 日志同时输出到控制台和文件
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.Println("=== StoryFlow Starting ===")

	models.InitDB()
	repo := models.NewRepository(models.GormDB)

	bus := service.NewEventBus(cfg.Workflow.EventBuffer)
	registry := service.NewTaskRegistry(repo, bus)
	if n, err := registry.Load(); err != nil {
		log.Printf("Warning: failed to load tasks: %v", err)
	} else if n > 0 {
		log.Printf("Marked %d interrupted task(s) as failed", n)
	}
	store := service.NewProjectStore(repo)
	if n, err := store.Load(); err != nil {
		log.Printf("Warning: failed to load projects: %v", err)
	} else if n > 0 {
		log.Printf("Paused %d project(s) interrupted by restart", n)
	}

	providers, err := service.NewProviderSetFromConfig(cfg)
	if err != nil {
		return err
	}

	var artifacts service.ArtifactStore
	if cfg.MinIO.Endpoint != "" {
		artifacts, err = service.NewMinIOStore(cfg.MinIO.Endpoint, cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, cfg.MinIO.Bucket, cfg.MinIO.UseSSL, cfg.Storage.Expiry)
		if err != nil {
			return err
		}
		log.Println("MinIO initialized")
	} else {
		dir := cfg.Storage.LocalDir
		if dir == "" {
			dir = filepath.Join(cfg.DataDir, "artifacts")
		}
		artifacts, err = service.NewLocalStore(dir)
		if err != nil {
			return err
		}
		log.Printf("Artifacts stored under %s", dir)
	}

	pool := service.NewSlotPool(cfg.Workflow.Concurrency)
	gen := service.NewGenerationExecutor(registry, pool, providers,
		service.WithTimeouts(cfg.Workflow.ImageTimeout, cfg.Workflow.VideoTimeout),
		service.WithArtifactStore(artifacts, cfg.Storage.Mirror),
	)

	var processor *service.Processor
	if cfg.Queue.Enabled {
		redisOpt := asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password}
		dispatcher := service.NewQueueDispatcher(redisOpt, cfg.Workflow.VideoTimeout+time.Minute)
		defer dispatcher.Close()
		gen.SetDispatcher(dispatcher)
		processor = service.NewProcessor(gen)
		if err := processor.Start(redisOpt, cfg.Workflow.Concurrency); err != nil {
			return fmt.Errorf("start queue processor: %w", err)
		}
		log.Println("Queue initialized")
	}

	steps := service.NewStepExecutor(providers, gen, artifacts, func(t models.StepType) time.Duration {
		return cfg.StepTimeoutFor(string(t))
	})
	workflow := service.NewOrchestrator(store, steps, providers, bus)

	stopWatch, err := config.Watch(configPath, func(next *config.Config) {
		if err := providers.Reload(next); err != nil {
			log.Printf("[Config] reload providers failed: %v", err)
		}
	})
	if err != nil {
		log.Printf("Warning: config hot reload disabled: %v", err)
	} else {
		defer stopWatch()
	}

	server := &http.Server{
		Addr:    cfg.Server.Port,
		Handler: routers.InitRouter(workflow, gen),
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("Server starting on port %s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		log.Printf("Received signal: %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	log.Println("Stopping HTTP server...")
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Error shutting down server: %v", err)
	}
	if processor != nil {
		processor.Shutdown()
	}
	log.Println("Pausing running projects...")
	if err := workflow.Shutdown(ctx); err != nil {
		log.Printf("Error stopping workflows: %v", err)
	}
	if db, err := models.GormDB.DB(); err == nil {
		db.Close()
	}
	log.Println("Shutdown complete")
	return nil
}
