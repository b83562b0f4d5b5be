package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"complyline/internal/config"
)

func TestJSONLoggerCarriesComponent(t *testing.T) {
	var buf bytes.Buffer
	log := Component(NewLoggerTo(&buf, config.LoggingConfig{Level: "warn", Format: "json"}), "orchestrator")
	log.Info().Msg("dropped")
	log.Warn().Str("update_id", "u-1").Msg("collaborator call failed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "orchestrator", entry["component"])
	assert.Equal(t, "u-1", entry["update_id"])
	assert.Equal(t, "warn", entry["level"])
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerTo(&buf, config.LoggingConfig{Format: "json"})
	ctx := WithContext(context.Background(), log.With().Str("path", "/v0/updates").Logger())
	FromContext(ctx).Info().Msg("request")
	assert.Contains(t, buf.String(), `"path":"/v0/updates"`)

	assert.NotPanics(t, func() { FromContext(context.Background()).Info().Msg("ignored") })
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zerolog.Disabled, ParseLevel("off"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("chatty"))
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics()
	m.Transition("testing", "pending_approval")
	m.Transition("testing", "pending_approval")
	m.ApprovalSubmitted("approved", "recorded")
	m.CollaboratorAttempt("parser", "error", 3*time.Millisecond)
	m.AuditExported()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.transitions.WithLabelValues("testing", "pending_approval")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.approvals.WithLabelValues("approved", "recorded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.collaboratorCalls.WithLabelValues("parser", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.auditExports))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "complyline_audit_exports_total 1")
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Transition("a", "b")
		m.Event("update.created")
		m.HTTPRequest(http.MethodGet, http.StatusOK, time.Millisecond)
	})
}
