package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/carebridge-health/carebridge-go-api/internal/config"
	"github.com/carebridge-health/carebridge-go-api/internal/database"
	"github.com/carebridge-health/carebridge-go-api/internal/handler"
	"github.com/carebridge-health/carebridge-go-api/internal/middleware"
	"github.com/carebridge-health/carebridge-go-api/internal/models"
	"github.com/carebridge-health/carebridge-go-api/internal/repository"
	"github.com/carebridge-health/carebridge-go-api/internal/router"
	"github.com/carebridge-health/carebridge-go-api/internal/service"
	"github.com/carebridge-health/carebridge-go-api/pkg/ai"
	cloud "github.com/carebridge-health/carebridge-go-api/pkg/cloudinary"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(
		&models.Participant{},
		&models.WeeklySchedule{},
		&models.CallRequest{},
		&models.ChatSession{},
		&models.ChatMessage{},
		&models.MediaAsset{},
		&models.Notification{},
	); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Close()
	}

	uploader, err := cloud.New(cloud.Config{
		CloudName: cfg.CloudinaryCloudName,
		APIKey:    cfg.CloudinaryAPIKey,
		APISecret: cfg.CloudinaryAPISecret,
		Folder:    cfg.CloudinaryUploadFolder,
	}, logger)
	if err != nil {
		log.Fatalf("failed to create cloudinary client: %v", err)
	}

	var assistant ai.Assistant
	if cfg.OpenAIAPIKey != "" {
		assistant, err = ai.NewOpenAIAssistant(ai.OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.OpenAIModel,
			Logger: logger,
		})
		if err != nil {
			log.Fatalf("failed to create openai assistant: %v", err)
		}
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	participantRepo := repository.NewParticipantRepository(db)
	scheduleRepo := repository.NewScheduleRepository(db)
	callRepo := repository.NewCallRepository(db)
	chatRepo := repository.NewChatRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	mediaRepo := repository.NewMediaRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	notificationService := service.NewNotificationService(notificationRepo, redisClient, cfg.ChannelBase, natsConn, validate, logger)
	chatService := service.NewChatService(chatRepo, messageRepo, participantRepo, mediaRepo, notificationService, redisClient, cfg.ChannelBase, natsConn, validate, logger)
	presenceService := service.NewPresenceService(participantRepo, scheduleRepo, chatService, validate, cfg.PresenceRefreshEvery, logger)
	signalService := service.NewSignalService(callRepo, redisClient, cfg.ChannelBase, natsConn, validate, logger)
	callService := service.NewCallService(callRepo, participantRepo, presenceService, notificationService, signalService, validate, cfg.CallSweepEvery, logger)
	signalService.SetCallEnder(callService)
	participantService := service.NewParticipantService(participantRepo, validate, logger)
	uploadService := service.NewUploadService(uploader, mediaRepo, cfg.UploadMaxSizeMB, logger)
	diagnosisService := service.NewDiagnosisService(assistant, validate, logger)

	runCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	notificationService.Start(runCtx)
	chatService.Start(runCtx)
	presenceService.Start(runCtx)
	signalService.Start(runCtx)
	callService.Start(runCtx)

	participantHandler := handler.NewParticipantHandler(participantService, logger)
	presenceHandler := handler.NewPresenceHandler(presenceService, logger)
	callHandler := handler.NewCallHandler(callService, signalService, logger)
	chatHandler := handler.NewChatHandler(chatService, validate, logger)
	notificationHandler := handler.NewNotificationHandler(notificationService, logger, cfg.SSEKeepAlive)
	uploadHandler := handler.NewUploadHandler(uploadService, logger)
	diagnosisHandler := handler.NewDiagnosisHandler(diagnosisService, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		ParticipantHandler:  participantHandler,
		PresenceHandler:     presenceHandler,
		CallHandler:         callHandler,
		ChatHandler:         chatHandler,
		NotificationHandler: notificationHandler,
		UploadHandler:       uploadHandler,
		DiagnosisHandler:    diagnosisHandler,
		JWTMiddleware:       middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, stopBackground)
}

func waitForShutdown(app *fiber.App, stopBackground context.CancelFunc) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()
	stopBackground()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
