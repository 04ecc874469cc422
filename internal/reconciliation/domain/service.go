package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cartera/internal/statusgrid"
)

// UploadRequest replaces every active record in the scope with the valid
// rows of Data. Replacement is destructive: records in the scope that the new
// file omits are gone afterwards.
type UploadRequest struct {
	Dataset    Dataset
	InsurerID  snowflake.ID
	PeriodID   snowflake.ID
	ProviderID snowflake.ID
	Filename   string
	Data       []byte
}

// UploadOutcome is the per-request result; never persisted.
type UploadOutcome struct {
	UploadID  string   `json:"upload_id"`
	Processed int      `json:"processed"`
	Deleted   int64    `json:"deleted"`
	Errors    []string `json:"errors"`
}

type ReplaceResult struct {
	Deleted  int64
	Inserted int64
}

type DeleteRequest struct {
	Dataset    Dataset
	InsurerID  snowflake.ID
	PeriodID   snowflake.ID
	ProviderID snowflake.ID
}

// UpsertRequest writes one record for an exact key. Values are keyed by the
// logical field names of the dataset schema.
type UpsertRequest struct {
	Dataset    Dataset
	InsurerID  snowflake.ID
	PeriodID   snowflake.ID
	ProviderID snowflake.ID
	Values     map[string]string
}

type ListRecordsRequest struct {
	Dataset Dataset
	Filter  Filter
}

type StatusRequest struct {
	Dataset Dataset
	Year    *int
}

type Service interface {
	Upload(ctx context.Context, req UploadRequest) (UploadOutcome, error)
	Delete(ctx context.Context, req DeleteRequest) (int64, error)
	Upsert(ctx context.Context, req UpsertRequest) (Record, error)
	ListRecords(ctx context.Context, req ListRecordsRequest) ([]Record, error)
	Status(ctx context.Context, req StatusRequest) ([]statusgrid.Cell, error)
}
