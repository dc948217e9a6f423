package app

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellanauth/castellan/testutils"
)

func TestApp_Accessors(t *testing.T) {
	cfg := testutils.GetTestConfig()
	application, err := NewApp().WithConfig(cfg).Build()
	require.NoError(t, err)

	assert.Equal(t, cfg, application.Config())
	assert.NotNil(t, application.Logger())
	assert.NotNil(t, application.Server())
}

func TestApp_RegisterRoutes(t *testing.T) {
	application, err := NewApp().WithConfig(testutils.GetTestConfig()).Build()
	require.NoError(t, err)

	application.RegisterRoutes(func(e *echo.Echo) {
		e.GET("/custom", func(c echo.Context) error {
			return c.String(http.StatusOK, "custom")
		})
	})

	req := httptest.NewRequest(http.MethodGet, "/custom", nil)
	rec := httptest.NewRecorder()
	application.Server().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "custom", rec.Body.String())
}

func TestApp_ServerNilBeforeBuild(t *testing.T) {
	application := &App{}
	assert.Nil(t, application.Server())
}
