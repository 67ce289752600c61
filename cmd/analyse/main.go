package main

import (
	"context"
	"flag"
	"log"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/humanmade/entity-base/config"
	"github.com/humanmade/entity-base/models"
	"github.com/humanmade/entity-base/providers/textrazor"
	"github.com/humanmade/entity-base/services"
)

func main() {
	documentID := flag.Uint("post-id", 0, "restrict the run to one document, matched across all statuses")
	perPage := flag.Int("per-page", 100, "documents per page")
	postTypes := flag.String("post-types", "", "comma separated document types to process (defaults to configured allowed types)")
	maxDocs := flag.Int("max", 100, "maximum documents to process, 0 for no cap")
	startPage := flag.Int("page", 1, "page to start from")
	flag.Parse()

	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := db.AutoMigrate(&models.Document{}, &models.Entity{}, &models.Association{}); err != nil {
		logging.Fatal("Database migration failed", zap.Error(err))
	}

	store := services.NewEntityStore(db, logging)
	cache := services.NewAnalysisCache()
	analyzer := textrazor.NewClient(cfg, logging)
	extract := services.NewExtractService(cfg, db, cache, analyzer, store, logging)

	opts := services.BulkOptions{
		DocumentID:   *documentID,
		PerPage:      *perPage,
		MaxDocuments: *maxDocs,
		StartPage:    *startPage,
	}
	if *postTypes != "" {
		opts.Types = strings.Split(*postTypes, ",")
	}

	logging.Info("Starting corpus analysis",
		zap.Uint("post_id", opts.DocumentID),
		zap.Int("per_page", opts.PerPage),
		zap.Int("max", opts.MaxDocuments),
		zap.Int("start_page", opts.StartPage),
	)

	started := time.Now()
	result, err := extract.AnalyseAll(context.Background(), opts)
	if err != nil {
		logging.Fatal("Corpus analysis failed", zap.Error(err))
	}

	logging.Info("Done",
		zap.Int("documents_processed", result.Processed),
		zap.Int("entities_found", result.Entities),
		zap.Duration("elapsed", time.Since(started)),
	)
}
