package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/cartera/internal/clock"
	"github.com/smallbiznis/cartera/internal/config"
	"github.com/smallbiznis/cartera/internal/ingest"
	"github.com/smallbiznis/cartera/internal/keylock"
	"github.com/smallbiznis/cartera/internal/reconciliation/domain"
	"github.com/smallbiznis/cartera/internal/reconciliation/repository"
	refdomain "github.com/smallbiznis/cartera/internal/reference/domain"
	refrepository "github.com/smallbiznis/cartera/internal/reference/repository"
	refservice "github.com/smallbiznis/cartera/internal/reference/service"
	"github.com/smallbiznis/cartera/internal/spreadsheet"
	"github.com/smallbiznis/cartera/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	insurerE1 snowflake.ID = 1001
	insurerE2 snowflake.ID = 1002
	periodP1  snowflake.ID = 2001
	periodP2  snowflake.ID = 2002
)

var agingHeader = []interface{}{"IPS", "0-30", "31-60", "61-90", "91-120", "121-180", "181-360", "Mayor 360"}

type fixture struct {
	db        *gorm.DB
	svc       *Service
	store     *Store
	reference refdomain.Service
	repos     domain.Registry
}

func setup(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&refdomain.Insurer{},
		&refdomain.Provider{},
		&refdomain.InsurerProvider{},
		&refdomain.Period{},
		&domain.AgingRecord{},
		&domain.CashFlowRecord{},
		&domain.CapitationRecord{},
	))

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, ins := range []refdomain.Insurer{
		{ID: insurerE1, Code: "E1", Name: "Insurer One", Active: true, CreatedAt: now, UpdatedAt: now},
		{ID: insurerE2, Code: "E2", Name: "Insurer Two", Active: true, CreatedAt: now, UpdatedAt: now},
	} {
		ins := ins
		require.NoError(t, conn.Create(&ins).Error)
	}
	for i, id := range []snowflake.ID{periodP1, periodP2} {
		p := refdomain.NewPeriod(2024, i+1)
		p.ID = id
		p.CreatedAt, p.UpdatedAt = now, now
		require.NoError(t, conn.Create(&p).Error)
	}

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()
	clk := clock.NewFakeClock(now)

	reference := refservice.New(refservice.Params{
		DB:    conn,
		Log:   log,
		GenID: node,
		Clock: clk,
		Repo:  refrepository.Provide(),
	})
	repos := repository.Provide()
	store := NewStore(StoreParams{
		DB:     conn,
		Log:    log,
		GenID:  node,
		Clock:  clk,
		Locker: keylock.NewLocal(),
		Repos:  repos,
	})
	svc := New(Params{
		DB:        conn,
		Log:       log,
		Config:    config.Config{Upload: config.UploadConfig{MaxBytes: 1 << 20, MaxRows: 1000}},
		Ingest:    config.NewStaticIngestConfigHolder(config.DefaultIngestConfig()),
		Store:     store,
		Repos:     repos,
		Reference: reference,
	}).(*Service)

	return &fixture{db: conn, svc: svc, store: store, reference: reference, repos: repos}
}

func workbook(t *testing.T, rows ...[]interface{}) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		row := row
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func agingFile(t *testing.T, rows int) []byte {
	t.Helper()
	data := [][]interface{}{agingHeader}
	for i := 0; i < rows; i++ {
		data = append(data, []interface{}{fmt.Sprintf("Clinic %02d", i), 100 + i, 10, 0, 0, 0, 0, 0})
	}
	return workbook(t, data...)
}

func (f *fixture) active(t *testing.T, dataset domain.Dataset, filter domain.Filter) []domain.Record {
	t.Helper()
	records, err := f.svc.ListRecords(context.Background(), domain.ListRecordsRequest{Dataset: dataset, Filter: filter})
	require.NoError(t, err)
	return records
}

func TestUploadReplacesInsteadOfAppending(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	req := domain.UploadRequest{
		Dataset:   domain.DatasetAging,
		InsurerID: insurerE1,
		PeriodID:  periodP1,
		Filename:  "aging.xlsx",
		Data:      agingFile(t, 10),
	}

	first, err := f.svc.Upload(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 10, first.Processed)
	assert.Equal(t, int64(0), first.Deleted)
	assert.Empty(t, first.Errors)
	assert.NotEmpty(t, first.UploadID)
	assert.Len(t, f.active(t, domain.DatasetAging, domain.Filter{}), 10)

	second, err := f.svc.Upload(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 10, second.Processed)
	assert.Equal(t, int64(10), second.Deleted)
	assert.Len(t, f.active(t, domain.DatasetAging, domain.Filter{}), 10)
}

func TestUploadPartialSuccess(t *testing.T) {
	f := setup(t)
	rows := [][]interface{}{agingHeader}
	for i := 0; i < 10; i++ {
		a30 := interface{}(i * 10)
		if i == 3 || i == 7 {
			a30 = "n/a"
		}
		rows = append(rows, []interface{}{fmt.Sprintf("Clinic %02d", i), a30, 1, 1, 1, 1, 1, 1})
	}

	outcome, err := f.svc.Upload(context.Background(), domain.UploadRequest{
		Dataset:   domain.DatasetAging,
		InsurerID: insurerE1,
		PeriodID:  periodP1,
		Data:      workbook(t, rows...),
	})
	require.NoError(t, err)

	assert.Equal(t, 8, outcome.Processed)
	assert.Equal(t, []string{
		"Row 5: a30 is not a valid number (n/a)",
		"Row 9: a30 is not a valid number (n/a)",
	}, outcome.Errors)
	assert.Len(t, f.active(t, domain.DatasetAging, domain.Filter{}), 8)
}

func TestUploadScenarioClinicAAndB(t *testing.T) {
	f := setup(t)
	outcome, err := f.svc.Upload(context.Background(), domain.UploadRequest{
		Dataset:   domain.DatasetAging,
		InsurerID: insurerE1,
		PeriodID:  periodP1,
		Data: workbook(t,
			agingHeader,
			[]interface{}{"Clinic A", 100, 200, 300, 400, 500, 600, 700},
			[]interface{}{"Clinic B", "abc", 50, 0, 0, 0, 0, 0},
		),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, outcome.Processed)
	require.Len(t, outcome.Errors, 1)
	assert.Contains(t, outcome.Errors[0], "Row 3")
	assert.Contains(t, outcome.Errors[0], "a30 is not a valid number")

	records := f.active(t, domain.DatasetAging, domain.Filter{})
	require.Len(t, records, 1)
	rec := records[0].(*domain.AgingRecord)
	assert.True(t, decimal.NewFromInt(2800).Equal(rec.Total), "total %s", rec.Total)

	clinicA, err := f.reference.ResolveProvider(context.Background(), "Clinic A", "")
	require.NoError(t, err)
	assert.Equal(t, clinicA.ID, rec.ProviderID)

	linked, err := f.reference.ListProviders(context.Background(), refdomain.ProviderFilter{InsurerID: insurerE1})
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, "Clinic A", linked[0].Name)
}

func TestUploadAllRowsInvalidLeavesStoredRecords(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.svc.Upload(ctx, domain.UploadRequest{
		Dataset: domain.DatasetAging, InsurerID: insurerE1, PeriodID: periodP1, Data: agingFile(t, 3),
	})
	require.NoError(t, err)

	outcome, err := f.svc.Upload(ctx, domain.UploadRequest{
		Dataset:   domain.DatasetAging,
		InsurerID: insurerE1,
		PeriodID:  periodP1,
		Data:      workbook(t, agingHeader, []interface{}{"Clinic 00", "bad", 0, 0, 0, 0, 0, 0}),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.Processed)
	assert.Len(t, outcome.Errors, 1)
	assert.Len(t, f.active(t, domain.DatasetAging, domain.Filter{}), 3)
}

func TestUploadRejectsDuplicateProviderInFile(t *testing.T) {
	f := setup(t)
	outcome, err := f.svc.Upload(context.Background(), domain.UploadRequest{
		Dataset:   domain.DatasetAging,
		InsurerID: insurerE1,
		PeriodID:  periodP1,
		Data: workbook(t,
			agingHeader,
			[]interface{}{"Clinic A", 1, 0, 0, 0, 0, 0, 0},
			[]interface{}{"Clinic A", 2, 0, 0, 0, 0, 0, 0},
		),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Processed)
	assert.Equal(t, []string{"Row 3: duplicate provider Clinic A (already in row 2)"}, outcome.Errors)
}

func TestUploadJobLevelFailuresWriteNothing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	valid := agingFile(t, 2)

	cases := []struct {
		name string
		req  domain.UploadRequest
		want error
	}{
		{
			name: "missing insurer",
			req:  domain.UploadRequest{Dataset: domain.DatasetAging, PeriodID: periodP1, Data: valid},
			want: domain.ErrInvalidInsurer,
		},
		{
			name: "unknown insurer",
			req:  domain.UploadRequest{Dataset: domain.DatasetAging, InsurerID: 42, PeriodID: periodP1, Data: valid},
			want: refdomain.ErrInsurerNotFound,
		},
		{
			name: "unknown period",
			req:  domain.UploadRequest{Dataset: domain.DatasetAging, InsurerID: insurerE1, PeriodID: 42, Data: valid},
			want: refdomain.ErrPeriodNotFound,
		},
		{
			name: "unknown provider container",
			req:  domain.UploadRequest{Dataset: domain.DatasetCashFlow, InsurerID: insurerE1, PeriodID: periodP1, ProviderID: 42, Data: valid},
			want: refdomain.ErrProviderNotFound,
		},
		{
			name: "malformed file",
			req:  domain.UploadRequest{Dataset: domain.DatasetAging, InsurerID: insurerE1, PeriodID: periodP1, Data: []byte("not a workbook")},
			want: spreadsheet.ErrMalformedFile,
		},
		{
			name: "header only",
			req:  domain.UploadRequest{Dataset: domain.DatasetAging, InsurerID: insurerE1, PeriodID: periodP1, Data: workbook(t, agingHeader)},
			want: spreadsheet.ErrEmptyDataset,
		},
		{
			name: "missing columns",
			req: domain.UploadRequest{
				Dataset: domain.DatasetAging, InsurerID: insurerE1, PeriodID: periodP1,
				Data: workbook(t, []interface{}{"IPS", "0-30"}, []interface{}{"Clinic A", 1}),
			},
			want: ingest.ErrMissingRequiredColumns,
		},
		{
			name: "empty body",
			req:  domain.UploadRequest{Dataset: domain.DatasetAging, InsurerID: insurerE1, PeriodID: periodP1},
			want: domain.ErrEmptyUpload,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Upload(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Empty(t, f.active(t, domain.DatasetAging, domain.Filter{}))
	assert.Empty(t, f.active(t, domain.DatasetCashFlow, domain.Filter{}))
}

func TestReplaceRollsBackWhenInsertFails(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	req := domain.UploadRequest{Dataset: domain.DatasetAging, InsurerID: insurerE1, PeriodID: periodP1, Data: agingFile(t, 4)}
	_, err := f.svc.Upload(ctx, req)
	require.NoError(t, err)
	before := f.active(t, domain.DatasetAging, domain.Filter{})
	require.Len(t, before, 4)

	boom := errors.New("disk full")
	require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("test:fail_insert", func(tx *gorm.DB) {
		if tx.Statement.Table == "aging_records" {
			_ = tx.AddError(boom)
		}
	}))

	req.Data = agingFile(t, 6)
	_, err = f.svc.Upload(ctx, req)
	require.ErrorIs(t, err, domain.ErrReplaceFailed)
	assert.ErrorIs(t, err, boom)

	require.NoError(t, f.db.Callback().Create().Remove("test:fail_insert"))
	after := f.active(t, domain.DatasetAging, domain.Filter{})
	require.Len(t, after, 4)
	for i := range before {
		assert.Equal(t, before[i].Meta().ID, after[i].Meta().ID)
	}
}

func TestConcurrentUploadsToSameScopeNeverInterleave(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	files := make([][]byte, 4)
	for i := range files {
		files[i] = agingFile(t, 5+i)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(files))
	for _, data := range files {
		wg.Add(1)
		go func(data []byte) {
			defer wg.Done()
			_, err := f.svc.Upload(ctx, domain.UploadRequest{
				Dataset:   domain.DatasetAging,
				InsurerID: insurerE1,
				PeriodID:  periodP1,
				Data:      data,
			})
			errs <- err
		}(data)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	records := f.active(t, domain.DatasetAging, domain.Filter{})
	assert.Contains(t, []int{5, 6, 7, 8}, len(records))
	seen := map[snowflake.ID]bool{}
	for _, r := range records {
		pid := r.(*domain.AgingRecord).ProviderID
		assert.False(t, seen[pid], "provider %s stored twice", pid)
		seen[pid] = true
	}
}

func TestUploadsToDifferentScopesAreIndependent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	for _, scope := range []struct{ insurer, period snowflake.ID }{
		{insurerE1, periodP1}, {insurerE2, periodP1}, {insurerE1, periodP2},
	} {
		_, err := f.svc.Upload(ctx, domain.UploadRequest{
			Dataset: domain.DatasetAging, InsurerID: scope.insurer, PeriodID: scope.period, Data: agingFile(t, 2),
		})
		require.NoError(t, err)
	}
	assert.Len(t, f.active(t, domain.DatasetAging, domain.Filter{}), 6)
	assert.Len(t, f.active(t, domain.DatasetAging, domain.Filter{InsurerID: insurerE2}), 2)
}

func TestCashFlowProviderContainer(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	container, err := f.reference.ResolveProvider(ctx, "Clinic A", "")
	require.NoError(t, err)

	outcome, err := f.svc.Upload(ctx, domain.UploadRequest{
		Dataset:    domain.DatasetCashFlow,
		InsurerID:  insurerE1,
		PeriodID:   periodP1,
		ProviderID: container.ID,
		Data: workbook(t,
			[]interface{}{"IPS", "Facturado", "Glosado", "Pagado", "Fecha pago"},
			[]interface{}{"clinic a", 1000, 100, 900, "2024-01-20"},
			[]interface{}{"Clinic Z", 5, 0, 5, ""},
		),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Processed)
	assert.Equal(t, []string{"Row 3: provider Clinic Z does not match upload provider Clinic A"}, outcome.Errors)

	_, err = f.reference.GetProvider(ctx, container.ID)
	require.NoError(t, err)
	providers, err := f.reference.ListProviders(ctx, refdomain.ProviderFilter{})
	require.NoError(t, err)
	assert.Len(t, providers, 1)

	records := f.active(t, domain.DatasetCashFlow, domain.Filter{})
	require.Len(t, records, 1)
	rec := records[0].(*domain.CashFlowRecord)
	assert.Equal(t, container.ID, rec.ProviderID)
	assert.True(t, decimal.NewFromInt(900).Equal(rec.Paid))
	require.NotNil(t, rec.PaymentDate)
	assert.Equal(t, 20, rec.PaymentDate.Day())
}

func TestCapitationRowsNameTheirInsurer(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	header := []interface{}{"EPS", "Valor UPC", "Valor Girado", "Afiliados"}

	outcome, err := f.svc.Upload(ctx, domain.UploadRequest{
		Dataset:  domain.DatasetCapitation,
		PeriodID: periodP1,
		Data: workbook(t,
			header,
			[]interface{}{"E1", 1000, 900, 12},
			[]interface{}{"Insurer Two", 500, 450, 3},
			[]interface{}{"Unknown EPS", 1, 1, 1},
			[]interface{}{"e1", 1, 1, 1},
		),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Processed)
	assert.Equal(t, []string{
		"Row 4: insurer Unknown EPS not found",
		"Row 5: duplicate insurer e1 (already in row 2)",
	}, outcome.Errors)

	outcome, err = f.svc.Upload(ctx, domain.UploadRequest{
		Dataset:   domain.DatasetCapitation,
		InsurerID: insurerE1,
		PeriodID:  periodP1,
		Data: workbook(t,
			header,
			[]interface{}{"E1", 2000, 1800, 12},
			[]interface{}{"E2", 1, 1, 1},
		),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Processed)
	assert.Equal(t, int64(1), outcome.Deleted)
	assert.Equal(t, []string{"Row 3: insurer E2 is outside the upload scope"}, outcome.Errors)

	records := f.active(t, domain.DatasetCapitation, domain.Filter{})
	require.Len(t, records, 2)
	byInsurer := map[snowflake.ID]*domain.CapitationRecord{}
	for _, r := range records {
		byInsurer[r.Meta().InsurerID] = r.(*domain.CapitationRecord)
	}
	assert.True(t, decimal.NewFromInt(1800).Equal(byInsurer[insurerE1].Transferred))
	assert.True(t, decimal.NewFromInt(450).Equal(byInsurer[insurerE2].Transferred))
}

func TestDeleteByScope(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.svc.Upload(ctx, domain.UploadRequest{Dataset: domain.DatasetAging, InsurerID: insurerE1, PeriodID: periodP1, Data: agingFile(t, 3)})
	require.NoError(t, err)
	_, err = f.svc.Upload(ctx, domain.UploadRequest{Dataset: domain.DatasetAging, InsurerID: insurerE2, PeriodID: periodP1, Data: agingFile(t, 2)})
	require.NoError(t, err)

	deleted, err := f.svc.Delete(ctx, domain.DeleteRequest{Dataset: domain.DatasetAging, InsurerID: insurerE1, PeriodID: periodP1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	deleted, err = f.svc.Delete(ctx, domain.DeleteRequest{Dataset: domain.DatasetAging, InsurerID: insurerE1, PeriodID: periodP1})
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)
	assert.Len(t, f.active(t, domain.DatasetAging, domain.Filter{}), 2)

	_, err = f.svc.Delete(ctx, domain.DeleteRequest{Dataset: domain.DatasetCapitation, InsurerID: insurerE1, PeriodID: periodP1, ProviderID: 7})
	assert.ErrorIs(t, err, domain.ErrInvalidProvider)
}

func TestUpsertReplacesRecordAtKeyAndKeepsTotal(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	provider, err := f.reference.ResolveProvider(ctx, "Clinic A", "")
	require.NoError(t, err)

	req := domain.UpsertRequest{
		Dataset:    domain.DatasetAging,
		InsurerID:  insurerE1,
		PeriodID:   periodP1,
		ProviderID: provider.ID,
		Values:     map[string]string{"a30": "1.000,50", "a60": "200", "a90": "0", "a120": "0", "a180": "0", "a360": "0", "sup360": "(50)"},
	}
	saved, err := f.svc.Upsert(ctx, req)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1150.5").Equal(saved.Measure()), "total %s", saved.Measure())

	req.Values["a30"] = "10"
	_, err = f.svc.Upsert(ctx, req)
	require.NoError(t, err)

	records := f.active(t, domain.DatasetAging, domain.Filter{})
	require.Len(t, records, 1)
	assert.True(t, decimal.NewFromInt(160).Equal(records[0].Measure()))

	req.Values["a60"] = "abc"
	_, err = f.svc.Upsert(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidRecord)

	_, err = f.svc.Upsert(ctx, domain.UpsertRequest{Dataset: domain.DatasetAging, InsurerID: insurerE1, PeriodID: periodP1})
	assert.ErrorIs(t, err, domain.ErrInvalidProvider)
}

func TestStatusGridIsDense(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.svc.Upload(ctx, domain.UploadRequest{Dataset: domain.DatasetAging, InsurerID: insurerE2, PeriodID: periodP2, Data: agingFile(t, 3)})
	require.NoError(t, err)

	cells, err := f.svc.Status(ctx, domain.StatusRequest{Dataset: domain.DatasetAging})
	require.NoError(t, err)
	require.Len(t, cells, 4)

	var marked int
	for _, c := range cells {
		if !c.HasData {
			assert.Equal(t, int64(0), c.RecordCount)
			continue
		}
		marked++
		assert.Equal(t, insurerE2, c.InsurerID)
		assert.Equal(t, periodP2, c.PeriodID)
		assert.Equal(t, int64(3), c.RecordCount)
		// 100+10, 101+10, 102+10
		assert.True(t, decimal.NewFromInt(333).Equal(c.TotalValue), "total %s", c.TotalValue)
	}
	assert.Equal(t, 1, marked)

	year := 2023
	cells, err = f.svc.Status(ctx, domain.StatusRequest{Dataset: domain.DatasetAging, Year: &year})
	require.NoError(t, err)
	assert.Empty(t, cells)

	year = 10
	_, err = f.svc.Status(ctx, domain.StatusRequest{Dataset: domain.DatasetAging, Year: &year})
	assert.ErrorIs(t, err, domain.ErrInvalidYear)
}

func TestReplaceRejectsRecordOutsideScope(t *testing.T) {
	f := setup(t)
	rec := &domain.AgingRecord{RecordBase: domain.RecordBase{InsurerID: insurerE2, PeriodID: periodP1}, ProviderID: 5}
	_, err := f.store.Replace(context.Background(), domain.Scope{Dataset: domain.DatasetAging, InsurerID: insurerE1, PeriodID: periodP1}, []domain.Record{rec})
	assert.ErrorIs(t, err, domain.ErrInvalidRecord)
}
