// basement/main.go
package main

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"basement/config"
	"basement/database"
	"basement/forum"
	"basement/handlers"
	"basement/images"
	"basement/metrics"
	"basement/models"
	"basement/tokengate"
	"basement/utils"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

type Application struct {
	db        *database.DatabaseService
	engine    *forum.Engine
	moderator *forum.Moderator
	logger    *slog.Logger
	uploadDir string
}

// Methods to satisfy the handlers.App interface
func (a *Application) DB() *database.DatabaseService { return a.db }
func (a *Application) Engine() *forum.Engine         { return a.engine }
func (a *Application) Moderator() *forum.Moderator   { return a.moderator }
func (a *Application) Logger() *slog.Logger          { return a.logger }
func (a *Application) UploadDir() string             { return a.uploadDir }

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

var rootCommand = &cobra.Command{
	Use:   "basement",
	Short: "Run the basement forum server",
	Run: func(cmd *cobra.Command, args []string) {
		serve()
	},
}

func main() {
	slog.SetDefault(logger)
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("Could not load .env file", "error", err)
	}
	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}

// openDB initializes the database named by BASEMENT_DB_PATH.
func openDB() *database.DatabaseService {
	dbPath := utils.GetEnv("BASEMENT_DB_PATH", "./basement.db?_journal_mode=WAL")
	dbService, err := database.InitDB(dbPath, logger)
	if err != nil {
		logger.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	return dbService
}

func serve() {
	// --- External Configuration ---
	port := utils.GetEnv("BASEMENT_PORT", "8080")
	backupDir := utils.GetEnv("BASEMENT_BACKUP_DIR", "")
	rateWindow := utils.GetEnvDuration(logger, "BASEMENT_RATE_WINDOW", config.DefaultRateLimitWindow)
	rateBurst := utils.GetEnvInt(logger, "BASEMENT_RATE_BURST", config.DefaultRateLimitBurst)
	rateSweep := utils.GetEnvDuration(logger, "BASEMENT_RATE_SWEEP", config.DefaultRateLimitSweep)
	bumpLimit := utils.GetEnvInt(logger, "BASEMENT_BUMP_LIMIT", config.BumpLimit)
	storageTimeout := utils.GetEnvDuration(logger, "BASEMENT_STORAGE_TIMEOUT", config.DefaultStorageTimeout)

	utils.ServerSalt = utils.GetEnv("BASEMENT_SERVER_SALT", "")
	if utils.ServerSalt == "" {
		salt, err := utils.RandomHex(32)
		if err != nil {
			logger.Error("Failed to generate server salt", "error", err)
			os.Exit(1)
		}
		utils.ServerSalt = salt
		logger.Warn("BASEMENT_SERVER_SALT is not set; anon IDs and tripcodes will change on restart")
	}

	dbService := openDB()
	defer func() {
		if err := dbService.DB.Close(); err != nil {
			logger.Error("Failed to close database", "error", err)
		}
	}()

	// --- Storage Service Init ---
	storageService, uploadDir, imageOrigin := initStorage()

	// --- Rate Limiter Init ---
	var windowStore models.WindowStore
	if addr := utils.GetEnv("BASEMENT_REDIS_ADDR", ""); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err != nil {
			logger.Error("Failed to connect to Redis", "addr", addr, "error", err)
			os.Exit(1)
		}
		defer client.Close()
		windowStore = models.NewRedisWindowStore(client, "basement:ratelimit:")
		logger.Info("Rate limiter using Redis", "addr", addr)
	}
	clock := utils.SystemClock{}
	limiter := models.NewRateLimiter(windowStore, clock, logger)

	deps := forum.Deps{
		DB:      dbService,
		Gate:    initGate(),
		Limiter: limiter,
		Images: images.NewPipeline(storageService, dbService, images.Config{
			MaxBytes:       config.MaxImageBytes,
			MaxWidth:       config.MaxImageWidth,
			MaxHeight:      config.MaxImageHeight,
			ThumbSize:      config.ThumbnailSize,
			Quality:        config.ImageQuality,
			ThumbQuality:   config.ThumbnailQuality,
			StorageTimeout: storageTimeout,
		}, logger),
		Clock: clock,
	}
	app := &Application{
		db: dbService,
		engine: forum.NewEngine(deps, forum.Config{
			BumpLimit:  bumpLimit,
			RateWindow: rateWindow,
			RateBurst:  rateBurst,
		}, logger),
		moderator: forum.NewModerator(deps, logger),
		logger:    logger,
		uploadDir: uploadDir,
	}

	// --- Housekeeping ---
	scheduler := cron.New()
	mustSchedule(scheduler, "@every "+rateSweep.String(), func() {
		n, err := limiter.Sweep(context.Background())
		if err != nil {
			logger.Error("Rate limit sweep failed", "error", err)
			return
		}
		metrics.RateLimitSwept(n)
	})
	mustSchedule(scheduler, "@hourly", func() {
		n, err := dbService.PruneExpiredBans(context.Background(), clock.Now())
		if err != nil {
			logger.Error("Ban pruning failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("Pruned expired bans", "count", n)
		}
	})
	if backupDir != "" {
		mustSchedule(scheduler, "@daily", func() {
			path, err := dbService.BackupDatabase(context.Background(), backupDir)
			if err != nil {
				logger.Error("Scheduled backup failed", "error", err)
				return
			}
			logger.Info("Scheduled backup complete", "path", path)
		})
	}
	scheduler.Start()

	// --- Graceful Shutdown ---
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           handlers.SetupRouter(app, imageOrigin),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("basement server started successfully",
		"version", config.AppVersion,
		"address", "http://localhost:"+port,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	<-scheduler.Stop().Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("Server exiting")
}

func mustSchedule(c *cron.Cron, schedule string, job func()) {
	if _, err := c.AddFunc(schedule, job); err != nil {
		logger.Error("Invalid schedule", "schedule", schedule, "error", err)
		os.Exit(1)
	}
}

// initStorage picks S3 or local disk. It returns the local upload directory to serve
// (empty for S3) and the public image origin for the security headers.
func initStorage() (models.StorageService, string, string) {
	if utils.GetEnvBool("BASEMENT_S3_ENABLED", false) {
		endpoint := utils.GetEnv("BASEMENT_S3_ENDPOINT", "")
		accessKey := utils.GetEnv("BASEMENT_S3_ACCESS_KEY", "")
		secretKey := utils.GetEnv("BASEMENT_S3_SECRET_KEY", "")
		bucket := utils.GetEnv("BASEMENT_S3_BUCKET", "")
		region := utils.GetEnv("BASEMENT_S3_REGION", "us-east-1")
		publicURL := utils.GetEnv("BASEMENT_S3_PUBLIC_URL", "")
		useSSL := utils.GetEnvBool("BASEMENT_S3_USE_SSL", true)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s3, err := utils.NewS3Storage(ctx, endpoint, accessKey, secretKey, bucket, region, publicURL, useSSL)
		if err != nil {
			logger.Error("Failed to initialize S3 storage", "error", err)
			os.Exit(1)
		}
		logger.Info("S3 Storage initialized", "endpoint", endpoint, "bucket", bucket)
		return s3, "", s3.PublicURL
	}

	dir := utils.GetEnv("BASEMENT_UPLOAD_DIR", "./uploads")
	local, err := utils.NewLocalStorage(dir)
	if err != nil {
		logger.Error("FATAL: Could not create uploads directory", "path", dir, "error", err)
		os.Exit(1)
	}
	logger.Info("Local Storage initialized", "dir", dir)
	return local, dir, ""
}

// initGate builds the token gate from BASEMENT_TOKEN_* and BASEMENT_RPC_* settings.
func initGate() *tokengate.Gate {
	oracle := tokengate.NewRPCOracle(tokengate.RPCOracleConfig{
		URL: utils.GetEnv("BASEMENT_RPC_URL", config.DefaultRPCURL),
		RPS: float64(utils.GetEnvInt(logger, "BASEMENT_ORACLE_RPS", config.DefaultOracleRPS)),
	}, logger)

	minimum := func(key string) *big.Int {
		raw := utils.GetEnv(key, config.DefaultTokenMinimum)
		n, err := tokengate.ParseUnits(raw)
		if err != nil || n.Sign() < 0 {
			logger.Warn("Invalid token minimum, using default", "key", key, "value", raw, "default", config.DefaultTokenMinimum)
			n, _ = tokengate.ParseUnits(config.DefaultTokenMinimum)
		}
		return n
	}

	cfg := tokengate.Config{
		TokenAddress: utils.GetEnv("BASEMENT_TOKEN_ADDRESS", config.DefaultTokenAddress),
		Decimals:     utils.GetEnvInt(logger, "BASEMENT_TOKEN_DECIMALS", config.DefaultTokenDecimals),
		Minimums: map[tokengate.Action]*big.Int{
			tokengate.ActionCreateThread: minimum("BASEMENT_TOKEN_MIN_THREAD"),
			tokengate.ActionCreatePost:   minimum("BASEMENT_TOKEN_MIN_POST"),
			tokengate.ActionVote:         minimum("BASEMENT_TOKEN_MIN_VOTE"),
		},
		PurchaseURL: utils.GetEnv("BASEMENT_TOKEN_BUY_URL", config.DefaultTokenPurchaseURL),
		Timeout:     utils.GetEnvDuration(logger, "BASEMENT_ORACLE_TIMEOUT", config.DefaultOracleTimeout),
	}
	logger.Info("Token gate configured",
		"token", cfg.TokenAddress,
		"min_thread", tokengate.FormatUnits(cfg.Minimums[tokengate.ActionCreateThread], cfg.Decimals),
		"min_post", tokengate.FormatUnits(cfg.Minimums[tokengate.ActionCreatePost], cfg.Decimals),
		"decimals", strconv.Itoa(cfg.Decimals),
	)
	return tokengate.NewGate(oracle, cfg, logger)
}
