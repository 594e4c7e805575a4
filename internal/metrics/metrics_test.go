package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCollectors(t *testing.T) {
	CommandsSent.WithLabelValues("metrics-test", "challenge").Inc()
	Connected.WithLabelValues("metrics-test").Set(1)

	assert.Equal(t, 1.0, testutil.ToFloat64(CommandsSent.WithLabelValues("metrics-test", "challenge")))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `rconbridge_commands_sent_total{mode="challenge",server="metrics-test"} 1`)
	assert.Contains(t, string(body), `rconbridge_connected{server="metrics-test"} 1`)
}
