package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/humanmade/entity-base/config"
	"github.com/humanmade/entity-base/models"
	"github.com/humanmade/entity-base/providers/textrazor"
	"github.com/humanmade/entity-base/services"
)

var (
	entitiesCreatedCounter   prometheus.Counter
	documentsAnalysedCounter prometheus.Counter
	exportRowsCounter        prometheus.Counter
)

func init() {
	entitiesCreatedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "entities_created_total",
			Help: "Total number of new entity records created.",
		},
	)
	documentsAnalysedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "documents_analysed_total",
			Help: "Total number of documents run through entity extraction.",
		},
	)
	exportRowsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "export_rows_total",
			Help: "Total number of rows emitted by the export endpoint.",
		},
	)
	prometheus.MustRegister(entitiesCreatedCounter, documentsAnalysedCounter, exportRowsCounter)
}

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	// Setup Database Connection
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	logging.Info("Successfully connected to database.")

	logging.Info("Running database auto-migration...")
	if err := db.AutoMigrate(&models.Document{}, &models.Entity{}, &models.Association{}); err != nil {
		logging.Fatal("Database migration failed", zap.Error(err))
	}

	// Setup Services
	store := services.NewEntityStore(db, logging)
	store.OnEntityCreated = func(entity *models.Entity) {
		entitiesCreatedCounter.Inc()
		logging.Info("Entity created", zap.String("entity_slug", entity.Slug))
	}

	cache := services.NewAnalysisCache()
	analyzer := textrazor.NewClient(cfg, logging)
	extract := services.NewExtractService(cfg, db, cache, analyzer, store, logging)
	scheduler := services.NewScheduler(extract, logging,
		time.Duration(cfg.ScheduleDelaySeconds)*time.Second, cfg.AllowedTypes())
	defer scheduler.Stop()
	export := services.NewExportService(store, logging)

	// Setup Router
	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(apiKeyAuthMiddleware(cfg))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Setup Routes
	setupDocumentRoutes(router, db, store, scheduler, logging)
	setupEntityRoutes(router, db, store, logging)
	setupAnalyseRoutes(router, db, extract, scheduler, logging)
	setupExportRoutes(router, cfg, export, logging)

	// Setup Cron
	if cfg.CronSchedule != "" {
		cronScheduler := cron.New()
		cronScheduler.AddFunc(cfg.CronSchedule, func() {
			logging.Info("Running scheduled corpus analysis...")
			result, err := extract.AnalyseAll(context.Background(), services.BulkOptions{})
			if err != nil {
				logging.Error("Cron job failed", zap.Error(err))
			} else {
				logging.Info("Cron job completed",
					zap.Int("documents", result.Processed),
					zap.Int("entities", result.Entities))
				documentsAnalysedCounter.Add(float64(result.Processed))
			}
		})
		cronScheduler.Start()
	}

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No write timeout: exports are expected to stream for as long as
		// they need to.
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Fatal("Failed to run server", zap.Error(err))
	}
}

func setupDocumentRoutes(router *gin.Engine, db *gorm.DB, store *services.EntityStore, scheduler *services.Scheduler, log *zap.Logger) {
	rg := router.Group("/documents")

	// POST - Create a document and schedule its analysis
	rg.POST("/", func(c *gin.Context) {
		var doc models.Document
		if err := c.ShouldBindJSON(&doc); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if doc.Status == "" {
			doc.Status = models.StatusDraft
		}
		if err := db.Create(&doc).Error; err != nil {
			log.Error("Failed to create document", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		scheduler.ScheduleExtraction(&doc)
		c.JSON(http.StatusCreated, doc)
	})

	// PUT - Update a document and re-schedule its analysis
	rg.PUT("/:id", func(c *gin.Context) {
		id := c.Param("id")

		var doc models.Document
		if err := db.First(&doc, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
				return
			}
			log.Error("DB error checking for document on PUT", zap.String("id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		oldStatus := doc.Status

		// Bind only the fields that were sent to avoid clobbering the rest.
		var updateData map[string]interface{}
		if err := c.ShouldBindJSON(&updateData); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		delete(updateData, "id")

		if err := db.Model(&doc).Updates(updateData).Error; err != nil {
			log.Error("DB error updating document", zap.String("id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update document"})
			return
		}

		if doc.Status != oldStatus {
			if err := store.HandleStatusTransition(c.Request.Context(), doc.ID, oldStatus, doc.Status); err != nil {
				log.Error("Status transition handling failed", zap.String("id", id), zap.Error(err))
			}
		}

		scheduler.ScheduleExtraction(&doc)
		c.JSON(http.StatusOK, doc)
	})

	// PATCH - Publish / unpublish
	rg.PATCH("/:id/status", func(c *gin.Context) {
		id := c.Param("id")
		var payload struct {
			Status string `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing or invalid fields (status required)"})
			return
		}

		var doc models.Document
		if err := db.First(&doc, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		oldStatus := doc.Status
		updates := map[string]interface{}{"status": payload.Status}
		if payload.Status == models.StatusPublished && doc.PublishedAt == nil {
			now := time.Now()
			updates["published_at"] = &now
		}
		if err := db.Model(&doc).Updates(updates).Error; err != nil {
			log.Error("Failed to update document status", zap.String("id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		if err := store.HandleStatusTransition(c.Request.Context(), doc.ID, oldStatus, payload.Status); err != nil {
			log.Error("Status transition handling failed", zap.String("id", id), zap.Error(err))
		}

		c.JSON(http.StatusOK, doc)
	})

	// DELETE - Remove a document and purge its associations
	rg.DELETE("/:id", func(c *gin.Context) {
		id := c.Param("id")

		var doc models.Document
		if err := db.First(&doc, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		if err := store.HandleDocumentDeleted(c.Request.Context(), doc.ID); err != nil {
			log.Error("Association cleanup failed", zap.String("id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		if err := db.Delete(&doc).Error; err != nil {
			log.Error("Failed to delete document", zap.String("id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "deleted"})
	})

	// GET - Entities linked to a document, by descending relevance
	rg.GET("/:id/entities", func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
			return
		}

		entities, err := store.EntitiesForDocument(c.Request.Context(), uint(id))
		if err != nil {
			log.Error("Entity lookup failed", zap.Uint64("id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, entities)
	})
}

func setupEntityRoutes(router *gin.Engine, db *gorm.DB, store *services.EntityStore, log *zap.Logger) {
	rg := router.Group("/entities")

	rg.GET("/:slug", func(c *gin.Context) {
		slug := c.Param("slug")
		var entity models.Entity
		if err := db.Where("slug = ?", slug).First(&entity).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "entity not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, entity)
	})

	// GET - Published documents connected to an entity, by descending confidence
	rg.GET("/:slug/documents", func(c *gin.Context) {
		slug := c.Param("slug")
		maxResults, _ := strconv.Atoi(c.DefaultQuery("max", "100"))

		docs, err := store.ConnectedDocuments(c.Request.Context(), slug, maxResults)
		if err != nil {
			log.Error("Connected documents lookup failed", zap.String("slug", slug), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, docs)
	})

	// DELETE - Remove an entity and purge its association keys everywhere
	rg.DELETE("/:slug", func(c *gin.Context) {
		slug := c.Param("slug")
		if err := store.DeleteEntity(c.Request.Context(), slug); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "entity not found"})
				return
			}
			log.Error("Entity deletion failed", zap.String("slug", slug), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "deleted"})
	})
}

func setupAnalyseRoutes(router *gin.Engine, db *gorm.DB, extract *services.ExtractService, scheduler *services.Scheduler, log *zap.Logger) {
	rg := router.Group("/analyse")

	// POST - Trigger a full-corpus re-analysis in the background
	rg.POST("/all", func(c *gin.Context) {
		go func() {
			result, err := extract.AnalyseAll(context.Background(), services.BulkOptions{})
			if err != nil {
				log.Error("Async corpus analysis failed", zap.Error(err))
			} else {
				documentsAnalysedCounter.Add(float64(result.Processed))
				log.Info("Async corpus analysis completed",
					zap.Int("documents", result.Processed),
					zap.Int("entities", result.Entities))
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{"message": "Corpus analysis triggered."})
	})

	// POST - Schedule analysis of one document
	rg.POST("/document/:id", func(c *gin.Context) {
		id := c.Param("id")
		var doc models.Document
		if err := db.First(&doc, id).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}

		if !scheduler.ScheduleExtraction(&doc) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "document type not eligible for analysis"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"message": "Analysis scheduled."})
	})
}

func setupExportRoutes(router *gin.Engine, cfg *config.Config, export *services.ExportService, log *zap.Logger) {
	// GET - Stream the full entity/document data set
	router.GET("/export", func(c *gin.Context) {
		chunkSize, _ := strconv.Atoi(c.DefaultQuery("chunk_size", strconv.Itoa(cfg.ExportChunkSize)))
		if chunkSize < 1 {
			chunkSize = 1
		}
		maxURLs, _ := strconv.Atoi(c.DefaultQuery("max_urls", strconv.Itoa(cfg.ExportMaxURLs)))
		format := c.DefaultQuery("format", services.FormatJSON)
		if format != services.FormatCSV && format != services.FormatJSON {
			c.JSON(http.StatusBadRequest, gin.H{"error": "format must be one of json or csv"})
			return
		}

		total, err := export.Count(c.Request.Context())
		if err != nil {
			log.Error("Export count failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		if format == services.FormatCSV {
			c.Header("Content-Type", "text/csv; charset=utf-8")
			c.Header("Content-Disposition", `attachment; filename="entity-export.csv"`)
		} else {
			c.Header("Content-Type", "application/json; charset=utf-8")
		}
		c.Header("X-Total-Count", strconv.FormatInt(total, 10))
		// Disable proxy buffering so pages reach the client as they are
		// produced.
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)

		stats, err := export.Export(c.Request.Context(), c.Writer, services.ExportOptions{
			Format:    format,
			ChunkSize: chunkSize,
			MaxURLs:   maxURLs,
		})
		exportRowsCounter.Add(float64(stats.Rows))
		if err != nil {
			// Headers are already out; the truncated body is the error
			// signal for the client.
			log.Error("Export stream terminated",
				zap.Int("rows_written", stats.Rows), zap.Error(err))
		}
	})
}
