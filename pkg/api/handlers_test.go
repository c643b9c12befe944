package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptforge/evalengine/pkg/enginerr"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestWriteErrorMapsTaxonomyToStatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		expectCode int
	}{
		{"not found maps to 404", enginerr.NewNotFoundError("pipeline", int64(9)), http.StatusNotFound},
		{"validation maps to 400", enginerr.NewValidationError("mode", "unknown mode"), http.StatusBadRequest},
		{"already exists maps to 409", fmt.Errorf("wrapped: %w", enginerr.ErrAlreadyExists), http.StatusConflict},
		{"unknown error maps to 500", fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)

			writeError(c, tt.err)

			assert.Equal(t, tt.expectCode, w.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.err.Error(), body["error"])
		})
	}
}

func TestIDParamRejectsNonNumeric(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = gin.Params{{Key: "id", Value: "abc"}}

	_, ok := idParam(c)
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIDParamParsesValidInt(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = gin.Params{{Key: "id", Value: "42"}}

	id, ok := idParam(c)
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)
}
