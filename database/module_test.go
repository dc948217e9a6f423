package database

import (
	"testing"

	"github.com/castellanauth/castellan/config"
	"github.com/castellanauth/castellan/services/logging"
	"github.com/stretchr/testify/assert"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func TestModule(t *testing.T) {
	app := fx.New(
		Module,
		fx.Provide(func() *config.Config {
			cfg := testConfig("sqlite", ":memory:", false)
			return &cfg
		}),
		fx.Provide(func() *logging.Service { return nil }),
		fx.Provide(func() *ModelsOption { return nil }),
		fx.NopLogger,
		fx.Invoke(func(db *gorm.DB) {
			assert.NotNil(t, db)
		}),
	)

	assert.NoError(t, app.Err())
}
