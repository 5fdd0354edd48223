package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/clouddrive-backup/internal/backend"
)

func TestResult(t *testing.T) {
	assert.Equal(t, "ok", Result(nil))
	assert.Equal(t, "fatal", Result(backend.Fatal(errors.New("x"))))
	assert.Equal(t, "not_found", Result(fmt.Errorf("%w: a", backend.ErrNotFound)))
	assert.Equal(t, "retryable", Result(backend.Retryable(errors.New("x"))))
	assert.Equal(t, "error", Result(errors.New("x")))

	// an upload conflict whose cleanup found nothing to delete
	conflict := backend.Retryable(errors.Join(
		errors.New("upload \"v1\": a file with the same name was already present"),
		fmt.Errorf("delete conflicting \"v1\": %w", backend.ErrNotFound),
	))
	assert.Equal(t, "retryable", Result(conflict))
}

func TestObserve(t *testing.T) {
	before := testutil.ToFloat64(operationsTotal.WithLabelValues("test", "put", "retryable"))
	Observe("test", "put", time.Now(), backend.Retryable(errors.New("conflict")))
	after := testutil.ToFloat64(operationsTotal.WithLabelValues("test", "put", "retryable"))
	assert.Equal(t, before+1, after)

	AddBytes("test", "upload", 0)
	AddBytes("test", "upload", 42)
	assert.Equal(t, float64(42), testutil.ToFloat64(bytesTotal.WithLabelValues("test", "upload")))
}

func TestInstrumentTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	hc := &http.Client{Transport: InstrumentTransport("test-http", http.DefaultTransport)}
	resp, err := hc.Post(srv.URL, "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, float64(1), testutil.ToFloat64(httpRequestsTotal.WithLabelValues("test-http", "post", "409")))
}

func TestPush(t *testing.T) {
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	Observe("test", "list", time.Now(), nil)
	require.NoError(t, Push(context.Background(), srv.URL, "clouddrive_backup_list"))
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/metrics/job/clouddrive_backup_list", gotPath)
}
