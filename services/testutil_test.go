package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/humanmade/entity-base/models"
)

// newTestDB opens an isolated in-memory database and migrates the schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(&models.Document{}, &models.Entity{}, &models.Association{}))
	return db
}

func newTestStore(t *testing.T) *EntityStore {
	t.Helper()
	return NewEntityStore(newTestDB(t), zap.NewNop())
}

func createDocument(t *testing.T, db *gorm.DB, doc *models.Document) *models.Document {
	t.Helper()
	require.NoError(t, db.Create(doc).Error)
	return doc
}
