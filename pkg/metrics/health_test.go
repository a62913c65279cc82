package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetChecker(t *testing.T) {
	t.Helper()
	checker = &healthState{
		components: make(map[Component]componentHealth),
		startTime:  time.Now(),
	}
}

func TestRegisterComponent(t *testing.T) {
	resetChecker(t)

	RegisterComponent(ComponentJobStore, true, "running")

	require.Len(t, checker.components, 1)
	comp := checker.components[ComponentJobStore]
	assert.True(t, comp.healthy)
	assert.Equal(t, "running", comp.message)
}

func TestUpdateComponentOverwritesPriorHealth(t *testing.T) {
	resetChecker(t)

	RegisterComponent(ComponentJobStore, true, "ok")
	UpdateComponent(ComponentJobStore, false, "bolt open failed")

	comp := checker.components[ComponentJobStore]
	assert.False(t, comp.healthy)
	assert.Equal(t, "bolt open failed", comp.message)
}

func TestGetHealth(t *testing.T) {
	cases := []struct {
		name       string
		register   func()
		wantStatus string
	}{
		{
			name: "all healthy",
			register: func() {
				RegisterComponent(ComponentJobStore, true, "")
				RegisterComponent(ComponentScheduler, true, "")
			},
			wantStatus: "healthy",
		},
		{
			name: "one unhealthy",
			register: func() {
				RegisterComponent(ComponentJobStore, false, "not connected")
				RegisterComponent(ComponentScheduler, true, "")
			},
			wantStatus: "unhealthy",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resetChecker(t)
			checker.version = "1.0.0"
			tc.register()

			health := GetHealth()
			assert.Equal(t, tc.wantStatus, health.Status)
			assert.Equal(t, "1.0.0", health.Version)
		})
	}
}

func TestGetHealthReportsUnhealthyComponentMessage(t *testing.T) {
	resetChecker(t)
	RegisterComponent(ComponentJobStore, false, "not connected")

	health := GetHealth()
	assert.Equal(t, "unhealthy: not connected", health.Components["job_store"])
}

func TestGetReadiness(t *testing.T) {
	cases := []struct {
		name       string
		register   func()
		wantStatus string
	}{
		{
			name: "all critical components ready",
			register: func() {
				RegisterComponent(ComponentJobStore, true, "")
				RegisterComponent(ComponentScheduler, true, "")
				RegisterComponent(ComponentWorker, true, "")
			},
			wantStatus: "ready",
		},
		{
			name: "critical component missing",
			register: func() {
				RegisterComponent(ComponentJobStore, true, "")
				// scheduler and worker never registered
			},
			wantStatus: "not_ready",
		},
		{
			name: "critical component unhealthy",
			register: func() {
				RegisterComponent(ComponentJobStore, false, "bolt open failed")
				RegisterComponent(ComponentScheduler, true, "")
				RegisterComponent(ComponentWorker, true, "")
			},
			wantStatus: "not_ready",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resetChecker(t)
			tc.register()

			readiness := GetReadiness()
			assert.Equal(t, tc.wantStatus, readiness.Status)
			if tc.wantStatus == "not_ready" {
				assert.NotEmpty(t, readiness.Message)
			}
		})
	}
}

func TestHealthHandlerStatusCode(t *testing.T) {
	cases := []struct {
		name     string
		register func()
		wantCode int
	}{
		{"healthy", func() { RegisterComponent(ComponentJobStore, true, "") }, http.StatusOK},
		{"unhealthy", func() { RegisterComponent(ComponentJobStore, false, "broken") }, http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resetChecker(t)
			checker.version = "test"
			tc.register()

			w := httptest.NewRecorder()
			HealthHandler()(w, httptest.NewRequest("GET", "/health", nil))

			assert.Equal(t, tc.wantCode, w.Code)

			var health HealthStatus
			require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
			assert.Equal(t, "test", health.Version)
		})
	}
}

func TestReadyHandlerStatusCode(t *testing.T) {
	cases := []struct {
		name     string
		register func()
		wantCode int
	}{
		{
			"all critical components registered",
			func() {
				RegisterComponent(ComponentJobStore, true, "")
				RegisterComponent(ComponentScheduler, true, "")
				RegisterComponent(ComponentWorker, true, "")
			},
			http.StatusOK,
		},
		{
			"job_store not registered",
			func() { RegisterComponent(ComponentScheduler, true, "") },
			http.StatusServiceUnavailable,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resetChecker(t)
			tc.register()

			w := httptest.NewRecorder()
			ReadyHandler()(w, httptest.NewRequest("GET", "/ready", nil))

			assert.Equal(t, tc.wantCode, w.Code)
		})
	}
}

func TestLivenessHandlerAlwaysOK(t *testing.T) {
	resetChecker(t)

	w := httptest.NewRecorder()
	LivenessHandler()(w, httptest.NewRequest("GET", "/live", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "alive", response["status"])
	assert.NotEmpty(t, response["uptime"])
}
