package metrics_test

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "github.com/m-lab/tcpkern/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil/promlint"
)

func TestPrometheusMetrics(t *testing.T) {
	server := httptest.NewServer(promhttp.Handler())
	defer server.Close()

	metricReader, err := http.Get(server.URL)
	if err != nil || metricReader == nil {
		t.Fatalf("Could not GET metrics: %v", err)
	}
	defer metricReader.Body.Close()
	metricBytes, err := io.ReadAll(metricReader.Body)
	if err != nil {
		t.Fatalf("Could not read metrics: %v", err)
	}
	metricsLinter := promlint.New(bytes.NewBuffer(metricBytes))
	problems, err := metricsLinter.Lint()
	if err != nil {
		t.Errorf("Could not lint metrics: %v", err)
	}
	for _, p := range problems {
		t.Errorf("Bad metric %v: %v", p.Metric, p.Text)
	}
}
