package tests

import (
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"

	"github.com/EternisAI/shellmux/internal/audit"
	"github.com/EternisAI/shellmux/internal/remote"
	"github.com/EternisAI/shellmux/internal/session"
)

type Env struct {
	Router   *gin.Engine
	Registry *session.Registry
	Store    *audit.Store
	APIKey   string
}

var testCreds = remote.Credentials{Host: "10.20.0.7", Username: "ops", Password: "pw"}

func doRequest(router *gin.Engine, method, path, apiKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func (e *Env) admin(method, path string) *httptest.ResponseRecorder {
	return doRequest(e.Router, method, path, e.APIKey)
}

func ok(rr *httptest.ResponseRecorder) bool {
	return rr.Code == http.StatusOK
}
