package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/humanmade/entity-base/models"
)

// Scheduler triggers debounced, fire-and-forget extraction jobs per document.
// Scheduling the same document again while a job is pending cancels and
// replaces it, so at most one job is pending per document. Failures inside a
// job are logged and never propagate to the save path that triggered it.
type Scheduler struct {
	Extract *ExtractService
	Logger  *zap.Logger

	// Delay is the debounce window before a job runs.
	Delay time.Duration

	// AllowedTypes restricts which document types get analysed on save.
	// Empty allows all.
	AllowedTypes []string

	mu      sync.Mutex
	pending map[uint]*pendingJob
	gen     uint64
	stopped bool
}

// pendingJob tags each timer with a generation so a job fired from an
// already-replaced timer cannot evict the live entry.
type pendingJob struct {
	timer *time.Timer
	gen   uint64
}

// NewScheduler creates a scheduler for the given pipeline.
func NewScheduler(extract *ExtractService, logger *zap.Logger, delay time.Duration, allowedTypes []string) *Scheduler {
	return &Scheduler{
		Extract:      extract,
		Logger:       logger,
		Delay:        delay,
		AllowedTypes: allowedTypes,
		pending:      make(map[uint]*pendingJob),
	}
}

// ScheduleExtraction schedules an asynchronous extraction for the document,
// replacing any pending job for the same ID. Returns false when the document
// type is not eligible. Never blocks on the job itself.
func (s *Scheduler) ScheduleExtraction(doc *models.Document) bool {
	if !s.typeAllowed(doc.Type) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}

	if job, ok := s.pending[doc.ID]; ok {
		job.timer.Stop()
	}

	id := doc.ID
	s.gen++
	gen := s.gen
	s.pending[id] = &pendingJob{
		gen: gen,
		timer: time.AfterFunc(s.Delay, func() {
			s.run(id, gen)
		}),
	}

	s.Logger.Debug("Extraction scheduled", zap.Uint("document_id", id))
	return true
}

// Pending returns the number of documents with a pending job.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels all pending jobs. Running jobs finish on their own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, job := range s.pending {
		job.timer.Stop()
		delete(s.pending, id)
	}
}

func (s *Scheduler) run(documentID uint, gen uint64) {
	s.mu.Lock()
	if job, ok := s.pending[documentID]; ok && job.gen == gen {
		delete(s.pending, documentID)
	}
	s.mu.Unlock()

	log := s.Logger.With(zap.Uint("document_id", documentID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("Extraction job panicked", zap.Any("panic", r))
		}
	}()

	ctx := context.Background()

	var doc models.Document
	err := s.Extract.DB.WithContext(ctx).First(&doc, documentID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Document vanished between scheduling and execution.
			log.Warn("Document not found for scheduled analysis")
			return
		}
		log.Error("Loading document for scheduled analysis failed", zap.Error(err))
		return
	}

	if !s.typeAllowed(doc.Type) {
		return
	}

	if _, err := s.Extract.AnalyseDocument(ctx, &doc); err != nil {
		log.Error("Scheduled analysis failed", zap.Error(err))
	}
}

func (s *Scheduler) typeAllowed(docType string) bool {
	if len(s.AllowedTypes) == 0 {
		return true
	}
	for _, t := range s.AllowedTypes {
		if t == docType {
			return true
		}
	}
	return false
}
