package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/cartera/internal/analytics"
	"github.com/smallbiznis/cartera/internal/config"
	"github.com/smallbiznis/cartera/internal/consistency"
	"github.com/smallbiznis/cartera/internal/ingest"
	"github.com/smallbiznis/cartera/internal/observability"
	"github.com/smallbiznis/cartera/internal/reconciliation/domain"
	refdomain "github.com/smallbiznis/cartera/internal/reference/domain"
	"github.com/smallbiznis/cartera/internal/statusgrid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeReconciliationService struct {
	uploadReq  domain.UploadRequest
	uploadOut  domain.UploadOutcome
	uploadErr  error
	deleteReq  domain.DeleteRequest
	upsertReq  domain.UpsertRequest
	upsertErr  error
	statusReq  domain.StatusRequest
	listReq    domain.ListRecordsRequest
	deleted    int64
	uploadHits int
}

func (f *fakeReconciliationService) Upload(ctx context.Context, req domain.UploadRequest) (domain.UploadOutcome, error) {
	_ = ctx
	f.uploadHits++
	f.uploadReq = req
	return f.uploadOut, f.uploadErr
}

func (f *fakeReconciliationService) Delete(ctx context.Context, req domain.DeleteRequest) (int64, error) {
	_ = ctx
	f.deleteReq = req
	return f.deleted, nil
}

func (f *fakeReconciliationService) Upsert(ctx context.Context, req domain.UpsertRequest) (domain.Record, error) {
	_ = ctx
	f.upsertReq = req
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	r := &domain.AgingRecord{ProviderID: req.ProviderID, A30: decimal.RequireFromString("1000.5")}
	r.InsurerID, r.PeriodID = req.InsurerID, req.PeriodID
	r.Recompute()
	return r, nil
}

func (f *fakeReconciliationService) ListRecords(ctx context.Context, req domain.ListRecordsRequest) ([]domain.Record, error) {
	_ = ctx
	f.listReq = req
	return []domain.Record{}, nil
}

func (f *fakeReconciliationService) Status(ctx context.Context, req domain.StatusRequest) ([]statusgrid.Cell, error) {
	_ = ctx
	f.statusReq = req
	return []statusgrid.Cell{{InsurerID: 1, PeriodID: 2, Year: 2024, Month: 1, HasData: true, RecordCount: 3, TotalValue: decimal.NewFromInt(90)}}, nil
}

type fakeConsistencyService struct {
	dataset domain.Dataset
}

func (f *fakeConsistencyService) Migrate(ctx context.Context, dataset domain.Dataset) (consistency.MigrationResult, error) {
	_ = ctx
	f.dataset = dataset
	return consistency.MigrationResult{Dataset: dataset, RecordsScanned: 4, RecordsCleaned: 2, DuplicateGroups: 1, Message: "removed 2 duplicate records across 1 keys"}, nil
}

func (f *fakeConsistencyService) Validate(ctx context.Context, dataset domain.Dataset) (consistency.ValidationReport, error) {
	_ = ctx
	f.dataset = dataset
	return consistency.ValidationReport{Dataset: dataset, IsValid: true, Errors: []string{}, Warnings: []string{}}, nil
}

type fakeAnalyticsService struct {
	req analytics.SummaryRequest
}

func (f *fakeAnalyticsService) Summary(ctx context.Context, req analytics.SummaryRequest) (analytics.Summary, error) {
	_ = ctx
	f.req = req
	return analytics.Summary{Dataset: req.Dataset, Total: decimal.NewFromInt(420)}, nil
}

type fakeReferenceService struct {
	refdomain.Service
	providerFilter refdomain.ProviderFilter
	periodFilter   refdomain.PeriodFilter
}

func (f *fakeReferenceService) ListInsurers(ctx context.Context) ([]refdomain.Insurer, error) {
	_ = ctx
	return []refdomain.Insurer{{ID: 1, Code: "E1", Name: "Insurer One", Active: true}}, nil
}

func (f *fakeReferenceService) ListProviders(ctx context.Context, filter refdomain.ProviderFilter) ([]refdomain.Provider, error) {
	_ = ctx
	f.providerFilter = filter
	return []refdomain.Provider{}, nil
}

func (f *fakeReferenceService) ListPeriods(ctx context.Context, filter refdomain.PeriodFilter) ([]refdomain.Period, error) {
	_ = ctx
	f.periodFilter = filter
	return []refdomain.Period{refdomain.NewPeriod(2024, 1)}, nil
}

type testServer struct {
	router      *gin.Engine
	recon       *fakeReconciliationService
	consistency *fakeConsistencyService
	analytics   *fakeAnalyticsService
	reference   *fakeReferenceService
}

func newTestServer(t *testing.T, cfg config.Config) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := &testServer{
		router:      gin.New(),
		recon:       &fakeReconciliationService{},
		consistency: &fakeConsistencyService{},
		analytics:   &fakeAnalyticsService{},
		reference:   &fakeReferenceService{},
	}
	ts.router.Use(ErrorHandlingMiddleware())

	srv := &Server{
		engine:         ts.router,
		cfg:            cfg,
		log:            zap.NewNop(),
		auth:           NewAuthenticator(cfg),
		reconciliation: ts.recon,
		consistency:    ts.consistency,
		analytics:      ts.analytics,
		reference:      ts.reference,
	}
	srv.registerAPIRoutes()
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	ts.router.ServeHTTP(resp, req)
	return resp
}

func uploadRequest(t *testing.T, path string, form map[string]string, file []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range form {
		require.NoError(t, w.WriteField(k, v))
	}
	if file != nil {
		part, err := w.CreateFormFile("file", "aging.csv")
		require.NoError(t, err)
		_, err = part.Write(file)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	return out.Error
}

func TestUploadDatasetPassesScopeAndFile(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	ts.recon.uploadOut = domain.UploadOutcome{UploadID: "01HX", Processed: 2, Deleted: 5, Errors: []string{"Row 3: a30 is not a valid number (n/a)"}}

	resp := ts.do(uploadRequest(t, "/api/datasets/AGING/uploads", map[string]string{
		"insurer_id": "1001",
		"period_id":  "2001",
	}, []byte("provider,a30\nClinic A,10\n")))

	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, domain.DatasetAging, ts.recon.uploadReq.Dataset)
	assert.Equal(t, snowflake.ID(1001), ts.recon.uploadReq.InsurerID)
	assert.Equal(t, snowflake.ID(2001), ts.recon.uploadReq.PeriodID)
	assert.Equal(t, snowflake.ID(0), ts.recon.uploadReq.ProviderID)
	assert.Equal(t, "aging.csv", ts.recon.uploadReq.Filename)
	assert.Equal(t, "provider,a30\nClinic A,10\n", string(ts.recon.uploadReq.Data))

	var out struct {
		Data domain.UploadOutcome `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.Equal(t, ts.recon.uploadOut, out.Data)
}

func TestUploadDatasetRejectsBadInput(t *testing.T) {
	cases := []struct {
		name  string
		path  string
		form  map[string]string
		file  []byte
		code  string
		field string
	}{
		{
			name:  "unknown dataset",
			path:  "/api/datasets/payroll/uploads",
			form:  map[string]string{"insurer_id": "1", "period_id": "2"},
			file:  []byte("x"),
			code:  "unknown_dataset",
			field: "dataset",
		},
		{
			name:  "malformed insurer id",
			path:  "/api/datasets/aging/uploads",
			form:  map[string]string{"insurer_id": "abc", "period_id": "2"},
			file:  []byte("x"),
			code:  "invalid_insurer_id",
			field: "insurer_id",
		},
		{
			name:  "missing file",
			path:  "/api/datasets/aging/uploads",
			form:  map[string]string{"insurer_id": "1", "period_id": "2"},
			code:  "required",
			field: "file",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, config.Config{})
			resp := ts.do(uploadRequest(t, tc.path, tc.form, tc.file))

			require.Equal(t, http.StatusBadRequest, resp.Code, resp.Body.String())
			payload := decodeError(t, resp)
			assert.Equal(t, "validation_error", payload.Type)
			require.Len(t, payload.Errors, 1)
			assert.Equal(t, tc.code, payload.Errors[0].Code)
			assert.Equal(t, tc.field, payload.Errors[0].Field)
			assert.Zero(t, ts.recon.uploadHits)
		})
	}
}

func TestUploadDatasetRefusesOversizedBodyBeforeParsing(t *testing.T) {
	cfg := config.Config{}
	cfg.Upload.MaxBytes = 64
	ts := newTestServer(t, cfg)

	resp := ts.do(uploadRequest(t, "/api/datasets/aging/uploads", map[string]string{
		"insurer_id": "1",
		"period_id":  "2",
	}, bytes.Repeat([]byte("x"), multipartOverhead+4096)))

	require.Equal(t, http.StatusUnprocessableEntity, resp.Code, resp.Body.String())
	assert.Equal(t, "ingest_error", decodeError(t, resp).Type)
	assert.Equal(t, 0, ts.recon.uploadHits)

	small := ts.do(uploadRequest(t, "/api/datasets/aging/uploads", map[string]string{
		"insurer_id": "1",
		"period_id":  "2",
	}, []byte("provider,a30\n")))
	require.Equal(t, http.StatusOK, small.Code, small.Body.String())
	assert.Equal(t, 1, ts.recon.uploadHits)
}

func TestUploadDatasetMapsServiceErrors(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		errType string
		message string
	}{
		{
			name:    "missing columns",
			err:     &ingest.MissingColumnsError{Dataset: "aging", Fields: []string{"provider"}},
			status:  http.StatusUnprocessableEntity,
			errType: "ingest_error",
			message: "missing required columns for aging: provider",
		},
		{
			name:    "period not found",
			err:     fmt.Errorf("resolve period: %w", refdomain.ErrPeriodNotFound),
			status:  http.StatusNotFound,
			errType: "not_found",
			message: "period not found",
		},
		{
			name:    "replace failed",
			err:     fmt.Errorf("%w: %w", domain.ErrReplaceFailed, fmt.Errorf("connection reset")),
			status:  http.StatusInternalServerError,
			errType: "replace_failed",
			message: "records could not be replaced; nothing was changed",
		},
		{
			name:    "empty upload",
			err:     domain.ErrEmptyUpload,
			status:  http.StatusBadRequest,
			errType: "validation_error",
			message: "validation error",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, config.Config{})
			ts.recon.uploadErr = tc.err

			resp := ts.do(uploadRequest(t, "/api/datasets/aging/uploads", map[string]string{
				"insurer_id": "1",
				"period_id":  "2",
			}, []byte("x")))

			require.Equal(t, tc.status, resp.Code, resp.Body.String())
			payload := decodeError(t, resp)
			assert.Equal(t, tc.errType, payload.Type)
			assert.Equal(t, tc.message, payload.Message)
		})
	}
}

func TestDeleteRecordsReturnsCount(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	ts.recon.deleted = 7

	resp := ts.do(httptest.NewRequest(http.MethodDelete, "/api/datasets/cashflow/records?insurer_id=1&period_id=2&provider_id=3", nil))

	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.JSONEq(t, `{"data":{"deleted_count":7}}`, resp.Body.String())
	assert.Equal(t, domain.DeleteRequest{Dataset: domain.DatasetCashFlow, InsurerID: 1, PeriodID: 2, ProviderID: 3}, ts.recon.deleteReq)
}

func TestUpsertRecordFlattensValues(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	body := `{"insurer_id":"1","period_id":"2","provider_id":"3","values":{"a30":1000.5,"a60":"(50)","a90":null,"a120":12.345,"a180":1e3}}`
	req := httptest.NewRequest(http.MethodPut, "/api/datasets/aging/records", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	resp := ts.do(req)

	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, map[string]string{"a30": "1000.5", "a60": "(50)", "a90": "", "a120": "12.3450", "a180": "1000"}, ts.recon.upsertReq.Values)
	assert.Equal(t, snowflake.ID(3), ts.recon.upsertReq.ProviderID)

	var out struct {
		Data domain.AgingRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.True(t, out.Data.Total.Equal(decimal.RequireFromString("1000.5")))
}

func TestUpsertRecordReportsInvalidValue(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	ts.recon.upsertErr = fmt.Errorf("%w: %v", domain.ErrInvalidRecord, "a30 is not a valid number (abc)")

	req := httptest.NewRequest(http.MethodPut, "/api/datasets/aging/records", bytes.NewBufferString(`{"insurer_id":"1","period_id":"2","provider_id":"3","values":{"a30":"abc"}}`))
	req.Header.Set("Content-Type", "application/json")
	resp := ts.do(req)

	require.Equal(t, http.StatusBadRequest, resp.Code)
	payload := decodeError(t, resp)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "invalid_record", payload.Errors[0].Code)
	assert.Equal(t, "record", payload.Errors[0].Field)
	assert.Equal(t, "a30 is not a valid number (abc)", payload.Errors[0].Message)
}

func TestUpsertRecordRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	req := httptest.NewRequest(http.MethodPut, "/api/datasets/aging/records", bytes.NewBufferString(`{"values":`))
	req.Header.Set("Content-Type", "application/json")
	resp := ts.do(req)

	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "invalid_request", decodeError(t, resp).Errors[0].Code)
}

func TestDatasetStatusYear(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	resp := ts.do(httptest.NewRequest(http.MethodGet, "/api/datasets/capitation/status?year=2024", nil))
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	require.NotNil(t, ts.recon.statusReq.Year)
	assert.Equal(t, 2024, *ts.recon.statusReq.Year)
	assert.Equal(t, domain.DatasetCapitation, ts.recon.statusReq.Dataset)

	var out struct {
		Data []statusgrid.Cell `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	require.Len(t, out.Data, 1)
	assert.True(t, out.Data[0].HasData)

	resp = ts.do(httptest.NewRequest(http.MethodGet, "/api/datasets/capitation/status?year=next", nil))
	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "year", decodeError(t, resp).Errors[0].Field)
}

func TestListRecordsFilter(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	resp := ts.do(httptest.NewRequest(http.MethodGet, "/api/datasets/aging/records?insurer_id=1&period_id=2", nil))

	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"data":[]}`, resp.Body.String())
	assert.Equal(t, domain.Filter{InsurerID: 1, PeriodID: 2}, ts.recon.listReq.Filter)
}

func TestConsistencyRoutes(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	resp := ts.do(httptest.NewRequest(http.MethodPost, "/api/datasets/aging/consistency/migrate", nil))
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var migrated struct {
		Data consistency.MigrationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &migrated))
	assert.Equal(t, int64(2), migrated.Data.RecordsCleaned)

	resp = ts.do(httptest.NewRequest(http.MethodGet, "/api/datasets/cashflow/consistency/validate", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, domain.DatasetCashFlow, ts.consistency.dataset)
}

func TestAnalyticsParams(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	resp := ts.do(httptest.NewRequest(http.MethodGet, "/api/datasets/cashflow/analytics?insurer_id=1&top=5&horizon=6", nil))
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, analytics.SummaryRequest{
		Dataset: domain.DatasetCashFlow,
		Filter:  domain.Filter{InsurerID: 1},
		Top:     5,
		Horizon: 6,
	}, ts.analytics.req)

	resp = ts.do(httptest.NewRequest(http.MethodGet, "/api/datasets/cashflow/analytics?top=many", nil))
	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "top", decodeError(t, resp).Errors[0].Field)
}

func TestReferenceRoutes(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	resp := ts.do(httptest.NewRequest(http.MethodGet, "/api/reference/insurers", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"Insurer One"`)

	resp = ts.do(httptest.NewRequest(http.MethodGet, "/api/reference/providers?insurer_id=9", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, snowflake.ID(9), ts.reference.providerFilter.InsurerID)

	resp = ts.do(httptest.NewRequest(http.MethodGet, "/api/reference/periods?year=2024", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	require.NotNil(t, ts.reference.periodFilter.Year)
	assert.Equal(t, 2024, *ts.reference.periodFilter.Year)
	assert.Contains(t, resp.Body.String(), `"January 2024"`)
}

func TestAuthRequiredWithStaticToken(t *testing.T) {
	ts := newTestServer(t, config.Config{APIToken: "s3cret"})

	resp := ts.do(httptest.NewRequest(http.MethodGet, "/api/reference/insurers", nil))
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, "unauthorized", decodeError(t, resp).Type)

	req := httptest.NewRequest(http.MethodGet, "/api/reference/insurers", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	require.Equal(t, http.StatusUnauthorized, ts.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/reference/insurers", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusOK, ts.do(req).Code)
}

func TestEngineHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewEngine(EngineParams{ObsCfg: observability.Config{Environment: "test"}, Log: zap.NewNop()})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"status":"ok"}`, resp.Body.String())
}

func TestClassifyErrorForLog(t *testing.T) {
	assert.Equal(t, "validation_error", classifyErrorForLog(domain.ErrInvalidPeriod))
	assert.Equal(t, "not_found", classifyErrorForLog(refdomain.ErrInsurerNotFound))
	assert.Equal(t, "ingest_error", classifyErrorForLog(ingest.ErrMissingRequiredColumns))
	assert.Equal(t, "replace_failed", classifyErrorForLog(domain.ErrReplaceFailed))
	assert.Equal(t, "rate_limited", classifyErrorForLog(ErrRateLimited))
	assert.Equal(t, "internal_error", classifyErrorForLog(fmt.Errorf("boom")))

	status, _ := mapError(ErrRateLimited)
	assert.Equal(t, http.StatusTooManyRequests, status)
}
