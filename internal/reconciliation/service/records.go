package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cartera/internal/config"
	"github.com/smallbiznis/cartera/internal/ingest"
	"github.com/smallbiznis/cartera/internal/reconciliation/domain"
	refdomain "github.com/smallbiznis/cartera/internal/reference/domain"
)

// recordBuilder turns validated rows into records of one scope. Names are
// resolved once per upload.
type recordBuilder struct {
	reference refdomain.Service
	scope     domain.Scope
	container *refdomain.Provider

	providers map[string]snowflake.ID
	insurers  map[string]snowflake.ID
	linked    map[snowflake.ID]bool
	seen      map[domain.Key]int
}

func newRecordBuilder(reference refdomain.Service, scope domain.Scope, container *refdomain.Provider) *recordBuilder {
	return &recordBuilder{
		reference: reference,
		scope:     scope,
		container: container,
		providers: map[string]snowflake.ID{},
		insurers:  map[string]snowflake.ID{},
		linked:    map[snowflake.ID]bool{},
		seen:      map[domain.Key]int{},
	}
}

// build returns one record per accepted row. Rows naming an unknown insurer,
// a provider outside the container or a key already seen in the file are
// rejected into batch. The returned error is a storage failure.
func (b *recordBuilder) build(ctx context.Context, batch *ingest.Batch) ([]domain.Record, error) {
	records := make([]domain.Record, 0, len(batch.Rows))
	for _, row := range batch.Rows {
		key, label, ok, err := b.keyFor(ctx, batch, row)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if first, dup := b.seen[key]; dup {
			batch.Reject(row.Line, "duplicate %s (already in row %d)", label, first)
			continue
		}
		b.seen[key] = row.Line

		record := newRecord(b.scope.Dataset)
		fill(record, key, row.Values)
		records = append(records, record)
	}
	return records, nil
}

// keyFor resolves the key of row. ok is false when the row was rejected.
func (b *recordBuilder) keyFor(ctx context.Context, batch *ingest.Batch, row ingest.ValidRow) (domain.Key, string, bool, error) {
	key := domain.Key{InsurerID: b.scope.InsurerID, PeriodID: b.scope.PeriodID}

	if b.scope.Dataset == domain.DatasetCapitation {
		ref := row.Values.Text("insurer")
		insurerID, err := b.insurer(ctx, ref)
		if errors.Is(err, refdomain.ErrInsurerNotFound) || errors.Is(err, refdomain.ErrInvalidReference) {
			batch.Reject(row.Line, "insurer %s not found", ref)
			return key, "", false, nil
		}
		if err != nil {
			return key, "", false, err
		}
		if b.scope.InsurerID != 0 && insurerID != b.scope.InsurerID {
			batch.Reject(row.Line, "insurer %s is outside the upload scope", ref)
			return key, "", false, nil
		}
		key.InsurerID = insurerID
		return key, "insurer " + ref, true, nil
	}

	name := row.Values.Text("provider")
	if b.container != nil {
		if !strings.EqualFold(strings.TrimSpace(name), strings.TrimSpace(b.container.Name)) {
			batch.Reject(row.Line, "provider %s does not match upload provider %s", name, b.container.Name)
			return key, "", false, nil
		}
		key.ProviderID = b.container.ID
		return key, "provider " + name, true, nil
	}

	providerID, err := b.provider(ctx, name, row.Values.Text("providerCode"))
	if errors.Is(err, refdomain.ErrInvalidName) {
		batch.Reject(row.Line, "provider is required")
		return key, "", false, nil
	}
	if err != nil {
		return key, "", false, err
	}
	key.ProviderID = providerID
	return key, "provider " + name, true, nil
}

func (b *recordBuilder) provider(ctx context.Context, name, code string) (snowflake.ID, error) {
	cacheKey := strings.TrimSpace(name)
	if id, ok := b.providers[cacheKey]; ok {
		return id, nil
	}
	provider, err := b.reference.ResolveProvider(ctx, name, code)
	if err != nil {
		return 0, err
	}
	b.providers[cacheKey] = provider.ID

	if !b.linked[provider.ID] {
		if err := b.reference.LinkProvider(ctx, b.scope.InsurerID, provider.ID); err != nil {
			return 0, err
		}
		b.linked[provider.ID] = true
	}
	return provider.ID, nil
}

func (b *recordBuilder) insurer(ctx context.Context, ref string) (snowflake.ID, error) {
	cacheKey := strings.ToLower(strings.TrimSpace(ref))
	if id, ok := b.insurers[cacheKey]; ok {
		if id == 0 {
			return 0, refdomain.ErrInsurerNotFound
		}
		return id, nil
	}
	insurer, err := b.reference.ResolveInsurer(ctx, ref)
	if errors.Is(err, refdomain.ErrInsurerNotFound) {
		b.insurers[cacheKey] = 0
		return 0, err
	}
	if err != nil {
		return 0, err
	}
	b.insurers[cacheKey] = insurer.ID
	return insurer.ID, nil
}

func newRecord(dataset domain.Dataset) domain.Record {
	switch dataset {
	case domain.DatasetAging:
		return &domain.AgingRecord{}
	case domain.DatasetCashFlow:
		return &domain.CashFlowRecord{}
	default:
		return &domain.CapitationRecord{}
	}
}

// fill copies the key and the typed values of a row onto record.
func fill(record domain.Record, key domain.Key, v ingest.Values) {
	meta := record.Meta()
	meta.InsurerID = key.InsurerID
	meta.PeriodID = key.PeriodID

	switch r := record.(type) {
	case *domain.AgingRecord:
		r.ProviderID = key.ProviderID
		r.A30 = v.Amount("a30")
		r.A60 = v.Amount("a60")
		r.A90 = v.Amount("a90")
		r.A120 = v.Amount("a120")
		r.A180 = v.Amount("a180")
		r.A360 = v.Amount("a360")
		r.Sup360 = v.Amount("sup360")
	case *domain.CashFlowRecord:
		r.ProviderID = key.ProviderID
		r.Invoiced = v.Amount("invoiced")
		r.Objected = v.Amount("objected")
		r.Paid = v.Amount("paid")
		r.PaymentDate = v.Date("paymentDate")
	case *domain.CapitationRecord:
		r.UPCValue = v.Amount("upcValue")
		r.Transferred = v.Amount("transferred")
		r.Affiliates = v.Amount("affiliates")
		r.TransferDate = v.Date("transferDate")
	}
	record.Recompute()
}

// measureFields drops the text fields naming insurers and providers, which a
// single record write takes from its key instead.
func measureFields(schema ingest.Schema) ingest.Schema {
	out := schema
	out.Fields = make([]ingest.FieldSpec, 0, len(schema.Fields))
	for _, f := range schema.Fields {
		if f.Kind == config.FieldKindText {
			continue
		}
		out.Fields = append(out.Fields, f)
	}
	return out
}

func trimmed(value string) string { return strings.TrimSpace(value) }
