package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/NoCodeify/whatsapp-web-service-sub002/config"
	"github.com/NoCodeify/whatsapp-web-service-sub002/database"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/credential"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/handler"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/health"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/helper"
	customMiddleware "github.com/NoCodeify/whatsapp-web-service-sub002/internal/middleware"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/outbox"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/proxy"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/recovery"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/secrets"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/service"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/storage"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/transport"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/ws"
)

func main() {

	// .env is optional; production supplies real environment.
	_ = godotenv.Load()

	// Bootstrap utility: print the bcrypt hash for API_PASSWORD_HASH.
	if len(os.Args) > 2 && os.Args[1] == "--hashpassword" {
		hash, err := helper.HashPassword(os.Args[2])
		if err != nil {
			log.Fatalf("Failed to hash password: %v", err)
		}
		fmt.Println(hash)
		return
	}

	cfg := config.Load()

	if cfg.AppDatabaseURL == "" {
		log.Fatal("APP_DATABASE_URL is not set")
	}
	database.InitAppDB(cfg.AppDatabaseURL)
	database.InitOutboxDB(cfg.OutboxDatabaseURL)

	// feature flags
	wsEnv := strings.ToLower(os.Getenv("ENABLE_WEBSOCKET_EVENTS"))
	config.EnableWebsocketEvents = wsEnv == "" || wsEnv == "true"

	workerEnv := strings.ToLower(os.Getenv("OUTBOX_WORKER_ENABLED"))
	config.OutboxWorkerEnabled = workerEnv == "" || workerEnv == "true"

	if len(os.Args) > 1 && os.Args[1] == "--createschema" {
		helper.InitCustomSchema()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Secret resolution: SSM when a region is configured, plain env
	// otherwise (local development).
	var secretProvider secrets.Provider = secrets.EnvProvider{}
	if cfg.StorageMode != "local" || cfg.ProxyMode == "dedicated" {
		ssmProvider, err := secrets.NewSSMProvider(ctx, cfg.S3Region, cfg.SecretCacheTTL)
		if err != nil {
			log.Fatalf("✗ Failed to initialize SSM secret provider: %v", err)
		}
		secretProvider = ssmProvider
	}

	var objects storage.ObjectStorage
	if cfg.StorageMode != "local" {
		if cfg.S3Bucket == "" {
			log.Fatal("S3_BUCKET is required when STORAGE_MODE is not local")
		}
		s3Client, err := storage.NewS3Client(ctx, cfg.S3Region, cfg.S3Bucket)
		if err != nil {
			log.Fatalf("✗ Failed to initialize S3 client: %v", err)
		}
		objects = s3Client
	}

	credStore, err := credential.NewStore(cfg.CredentialsDir, cfg.StorageMode, objects, secretProvider, cfg.BackupKeySecretRef)
	if err != nil {
		log.Fatalf("✗ Failed to initialize credential store: %v", err)
	}

	var vendor proxy.Vendor
	if cfg.ProxyMode == "dedicated" {
		apiKey, err := secretProvider.Get(ctx, cfg.ProxyVendorKeyRef)
		if err != nil {
			log.Fatalf("✗ Failed to resolve proxy vendor API key: %v", err)
		}
		vendor = proxy.NewVendorClient(cfg.ProxyVendorBaseURL, apiKey)
	}
	var pool proxy.StaticPool
	if cfg.ProxyMode != "disabled" {
		pool = proxy.NewDBStaticPool(database.AppDB)
	}
	proxies := proxy.NewManager(cfg.ProxyMode, vendor, pool, cfg.ProxyDryRunCheck)

	hub := ws.NewHub()
	go hub.Run()
	var publisher ws.RealtimePublisher = hub
	if !config.EnableWebsocketEvents {
		publisher = ws.NopPublisher{}
	}

	gate := service.NewGatekeeper(cfg.ReconnectLimitCount, cfg.ReconnectLimitWindow)
	supervisor := service.NewSupervisor(cfg, transport.NewWhatsmeowDialer(), credStore, proxies, gate, publisher)

	authService := service.NewAuthService(cfg)

	log.Printf("✓ Instance %s starting: proxy_mode=%s storage_mode=%s max_sessions=%d",
		cfg.InstanceID, cfg.ProxyMode, cfg.StorageMode, cfg.MaxConcurrentSessions)

	// Revive sessions from the previous run before taking traffic.
	coordinator := recovery.NewCoordinator(cfg, supervisor, credStore, publisher)
	go func() {
		if _, err := coordinator.RecoverAll(ctx); err != nil {
			log.Printf("⚠ Startup recovery aborted: %v", err)
		}
	}()

	monitor := health.NewMonitor(cfg, supervisor, publisher)
	monitor.Start(ctx)

	supervisor.StartHeartbeat(ctx, cfg.HealthCheckInterval)
	go credStore.StartBackupLoop(ctx, cfg.SessionBackupInterval, supervisor.ActiveKeys)

	if config.OutboxWorkerEnabled {
		outbox.NewWorker(supervisor, cfg.OutboxWorkerInterval).Start(ctx)
	} else {
		log.Println("⏸️  Outbox worker disabled (set OUTBOX_WORKER_ENABLED=true to enable)")
	}

	// Setup Echo
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	originsEnv := os.Getenv("CORS_ALLOW_ORIGINS")
	if originsEnv == "" {
		log.Println("CORS_ALLOW_ORIGINS is not set")
	}
	allowOrigins := strings.Split(originsEnv, ",")
	for i, o := range allowOrigins {
		allowOrigins[i] = strings.TrimSpace(o)
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowOrigins,
		AllowMethods: []string{
			echo.GET,
			echo.POST,
			echo.PUT,
			echo.PATCH,
			echo.DELETE,
			echo.OPTIONS,
		},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderXRequestedWith,
			echo.HeaderAuthorization,
		},
		AllowCredentials: true,
	}))
	e.OPTIONS("/*", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	rateLimit := config.GetEnvAsInt("RATE_LIMIT_PER_SECOND", 10)
	rateBurst := config.GetEnvAsInt("RATE_LIMIT_BURST", 10)
	rateWindow := config.GetEnvAsInt("RATE_LIMIT_WINDOW_MINUTES", 3)

	e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(rateLimit),
				Burst:     rateBurst,
				ExpiresIn: time.Duration(rateWindow) * time.Minute,
			},
		),
	}))

	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		message := "Internal Server Error"

		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			message = fmt.Sprintf("%v", he.Message)
		}
		response := map[string]interface{}{
			"success": false,
			"error":   message,
		}
		switch code {
		case http.StatusUnauthorized:
			response["message"] = "Authentication required. Please login first."
		case http.StatusMethodNotAllowed:
			response["message"] = "Method not allowed for this endpoint"
		case http.StatusNotFound:
			response["message"] = "Endpoint not found"
		}

		c.JSON(code, response)
	}

	authHandler := handler.NewAuthHandler(authService)
	sessionHandler := handler.NewSessionHandler(supervisor)
	messageHandler := handler.NewMessageHandler(supervisor)
	systemHandler := handler.NewSystemHandler(supervisor, monitor, cfg.InstanceID)

	// Public routes
	e.POST("/login", authHandler.Login)
	e.GET("/health", systemHandler.Health)
	e.GET("/", func(c echo.Context) error {
		return c.JSON(200, map[string]interface{}{
			"success":     true,
			"message":     "WhatsApp gateway is running",
			"instance_id": cfg.InstanceID,
		})
	})

	// Authenticated routes
	api := e.Group("/api", customMiddleware.JWTAuthMiddleware(authService))

	api.GET("/ws", handler.WebsocketHandler(hub))
	api.GET("/metrics", systemHandler.Metrics)

	api.GET("/sessions", sessionHandler.ListSessions)
	api.POST("/sessions/:tenantId/:phone", sessionHandler.AddSession)
	api.GET("/sessions/:tenantId/:phone", sessionHandler.GetStatus)
	api.GET("/sessions/:tenantId/:phone/qr", sessionHandler.GetQR)
	api.POST("/sessions/:tenantId/:phone/reconnect", sessionHandler.Reconnect)
	api.POST("/sessions/:tenantId/:phone/logout", sessionHandler.Logout)
	api.DELETE("/sessions/:tenantId/:phone", sessionHandler.RemoveSession)

	api.POST("/sessions/:tenantId/:phone/messages", messageHandler.SendMessage)
	api.GET("/sessions/:tenantId/:phone/outbox", messageHandler.GetOutbox)

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			log.Fatalf("✗ Server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("🔄 Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠ HTTP shutdown: %v", err)
	}
	supervisor.Shutdown(shutdownCtx)
	log.Println("✓ Shutdown complete")
}
