package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-mailblob/internal/domain"
	"github.com/prn-tf/alexander-mailblob/internal/lock"
	"github.com/prn-tf/alexander-mailblob/internal/metrics"
	"github.com/prn-tf/alexander-mailblob/internal/service"
)

type MockChecker struct {
	mock.Mock
}

func (m *MockChecker) Check(ctx context.Context, req service.CheckRequest) (*domain.ConsistencyReport, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ConsistencyReport), args.Error(1)
}

type MockGC struct {
	mock.Mock
}

func (m *MockGC) RunOnce(ctx context.Context) service.GCResult {
	return m.Called(ctx).Get(0).(service.GCResult)
}

func (m *MockGC) GetStats(ctx context.Context) (*service.GCStats, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.GCStats), args.Error(1)
}

type healthFunc func(ctx context.Context) error

func (f healthFunc) Health(ctx context.Context) error { return f(ctx) }

func newTestRouter(checker ConsistencyChecker, gc GarbageCollector, health HealthChecker) http.Handler {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.RecordDedupHit()

	return NewRouter(RouterConfig{
		Checker:        checker,
		GC:             gc,
		Health:         health,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		MetricsPath:    "/metrics",
		Logger:         zerolog.Nop(),
	}).Handler()
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestRouter_Health(t *testing.T) {
	h := newTestRouter(new(MockChecker), nil, nil)
	rec := serve(h, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())

	h = newTestRouter(new(MockChecker), nil, healthFunc(func(context.Context) error {
		return errors.New("database unreachable")
	}))
	rec = serve(h, http.MethodGet, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "database unreachable")
}

func TestRouter_Metrics(t *testing.T) {
	h := newTestRouter(new(MockChecker), nil, nil)
	rec := serve(h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "mailblob_")
}

func TestRouter_Consistency(t *testing.T) {
	checker := new(MockChecker)
	report := &domain.ConsistencyReport{
		MailboxID:     7,
		Missing:       []*domain.ConsistencyResult{{Locator: "7/gone", ActualSize: -1}},
		IncorrectSize: []*domain.ConsistencyResult{},
		Unexpected:    []*domain.ConsistencyResult{},
		Checked:       3,
	}
	checker.On("Check", mock.Anything, service.CheckRequest{
		MailboxID: 7,
		Volumes:   []int16{1, 3},
		CheckSize: true,
	}).Return(report, nil)

	h := newTestRouter(checker, nil, nil)
	rec := serve(h, http.MethodPost, "/mailboxes/7/consistency?check_size=true&volumes=1,3")
	require.Equal(t, http.StatusOK, rec.Code)

	var got domain.ConsistencyReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, int64(7), got.MailboxID)
	require.Equal(t, 3, got.Checked)
	require.Len(t, got.Missing, 1)
	require.Equal(t, "7/gone", got.Missing[0].Locator)
	checker.AssertExpectations(t)
}

func TestRouter_ConsistencyErrors(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		checkErr error
		want     int
	}{
		{name: "bad mailbox", target: "/mailboxes/abc/consistency", want: http.StatusBadRequest},
		{name: "bad check_size", target: "/mailboxes/1/consistency?check_size=maybe", want: http.StatusBadRequest},
		{name: "bad volume", target: "/mailboxes/1/consistency?volumes=1,x", want: http.StatusBadRequest},
		{name: "already running", target: "/mailboxes/1/consistency", checkErr: fmt.Errorf("%w: consistency:1", lock.ErrNotAcquired), want: http.StatusConflict},
		{name: "database failure", target: "/mailboxes/1/consistency", checkErr: errors.New("connection reset"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := new(MockChecker)
			if tt.checkErr != nil {
				checker.On("Check", mock.Anything, mock.Anything).Return(nil, tt.checkErr)
			}
			rec := serve(newTestRouter(checker, nil, nil), http.MethodPost, tt.target)
			require.Equal(t, tt.want, rec.Code)
			require.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestRouter_GC(t *testing.T) {
	h := newTestRouter(new(MockChecker), nil, nil)
	require.Equal(t, http.StatusNotFound, serve(h, http.MethodPost, "/gc/run").Code)

	gc := new(MockGC)
	gc.On("RunOnce", mock.Anything).Return(service.GCResult{BlobsPurged: 2, BytesFreed: 42})
	gc.On("GetStats", mock.Anything).Return(&service.GCStats{OrphanBlobCount: 5}, nil)

	h = newTestRouter(new(MockChecker), gc, nil)
	rec := serve(h, http.MethodPost, "/gc/run")
	require.Equal(t, http.StatusOK, rec.Code)
	var result service.GCResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, 2, result.BlobsPurged)
	require.Equal(t, int64(42), result.BytesFreed)

	rec = serve(h, http.MethodGet, "/gc")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"orphan_blob_count":5`)
}

func TestParseVolumes(t *testing.T) {
	v, err := parseVolumes("")
	require.NoError(t, err)
	require.Nil(t, v)

	v, err = parseVolumes(" 1, 2 ,,3")
	require.NoError(t, err)
	require.Equal(t, []int16{1, 2, 3}, v)

	_, err = parseVolumes("70000")
	require.Error(t, err)
}
