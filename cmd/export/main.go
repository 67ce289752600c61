package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/humanmade/entity-base/config"
	"github.com/humanmade/entity-base/services"
	"github.com/humanmade/entity-base/storage"
)

func main() {
	format := flag.String("format", services.FormatJSON, "export format, json or csv")
	chunkSize := flag.Int("chunk-size", 0, "entities per page (defaults to EXPORT_CHUNK_SIZE)")
	maxURLs := flag.Int("max-urls", 0, "connected documents per entity (defaults to EXPORT_MAX_URLS)")
	output := flag.String("output", "", "output file path, - or empty for stdout")
	upload := flag.Bool("upload", false, "gzip the export and upload it to the configured S3 bucket")
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

	store := services.NewEntityStore(db, logging)
	export := services.NewExportService(store, logging)

	opts := services.ExportOptions{
		Format:    *format,
		ChunkSize: *chunkSize,
		MaxURLs:   *maxURLs,
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = cfg.ExportChunkSize
	}
	if opts.MaxURLs <= 0 {
		opts.MaxURLs = cfg.ExportMaxURLs
	}

	ctx := context.Background()

	if *upload {
		// The archive upload needs the whole body; exports meant for S3 are
		// compressed in memory before the put.
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		stats, err := export.Export(ctx, gz, opts)
		if err != nil {
			logging.Fatal("Export failed", zap.Error(err))
		}
		if err := gz.Close(); err != nil {
			logging.Fatal("Compressing export failed", zap.Error(err))
		}

		client, err := storage.NewS3Client(cfg)
		if err != nil {
			logging.Fatal("S3 client creation failed", zap.Error(err))
		}
		key := fmt.Sprintf("entity-export-%s.%s.gz", time.Now().UTC().Format("2006-01-02T15-04-05Z"), opts.Format)
		link, err := storage.UploadExport(ctx, client, cfg, key, buf.Bytes())
		if err != nil {
			logging.Fatal("S3 upload failed", zap.Error(err))
		}
		logging.Info("Export uploaded",
			zap.String("link", link),
			zap.Int("rows", stats.Rows),
			zap.Int("pages", stats.Pages),
		)
		return
	}

	out := os.Stdout
	if *output != "" && *output != "-" {
		f, err := os.Create(*output)
		if err != nil {
			logging.Fatal("Creating output file failed", zap.Error(err))
		}
		defer f.Close()
		out = f
	}

	stats, err := export.Export(ctx, out, opts)
	if err != nil {
		logging.Fatal("Export failed", zap.Error(err))
	}
	logging.Info("Export written",
		zap.Int("rows", stats.Rows),
		zap.Int("pages", stats.Pages),
	)
}
