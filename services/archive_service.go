package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"arena-live-system/models"
	"arena-live-system/utils"

	"github.com/gosimple/slug"
	"gorm.io/gorm"
)

// ArchiveService exports finished runs to the R2 bucket as standalone JSON
// documents, so completed tournaments survive a dashboard reset. Exports
// are best-effort: a failed upload is logged and the run stays queryable
// from the database.
type ArchiveService struct {
	DB *gorm.DB
}

func NewArchiveService(db *gorm.DB) *ArchiveService {
	return &ArchiveService{DB: db}
}

type runArchive struct {
	Run        models.Run   `json:"run"`
	Games      []GameDetail `json:"games"`
	ArchivedAt time.Time    `json:"archived_at"`
}

// ArchiveRun snapshots a completed run and its games into object storage.
// Safe to call from a goroutine after the ingest transaction commits.
func (s *ArchiveService) ArchiveRun(runID string) {
	if !utils.R2Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	url, err := s.export(ctx, runID)
	if err != nil {
		log.Printf("[Archive] run %s export failed: %v", runID, err)
		return
	}
	log.Printf("[Archive] run %s archived to %s", runID, url)
}

func (s *ArchiveService) export(ctx context.Context, runID string) (string, error) {
	var run models.Run
	if err := s.DB.WithContext(ctx).First(&run, "id = ?", runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("run %s no longer exists", runID)
		}
		return "", err
	}

	var games []GameDetail
	err := s.DB.WithContext(ctx).Table("games").
		Select("games.*, pb.name AS black_name, pb.version AS black_version, pw.name AS white_name, pw.version AS white_version").
		Joins("JOIN players pb ON pb.id = games.black_id").
		Joins("JOIN players pw ON pw.id = games.white_id").
		Where("games.run_id = ?", runID).
		Order("games.id ASC").
		Scan(&games).Error
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(runArchive{Run: run, Games: games, ArchivedAt: time.Now().UTC()})
	if err != nil {
		return "", err
	}

	key := archiveKey(run)
	return utils.UploadJSONToR2(ctx, key, body)
}

// archiveKey builds a stable, readable object key like
// "runs/nightly-sweep-r2026-08-29-a.json".
func archiveKey(run models.Run) string {
	label := run.ConfigLabel
	if label == "" {
		label = "run"
	}
	return fmt.Sprintf("runs/%s-%s.json", slug.Make(label), slug.Make(run.ID))
}
