package domain

import "errors"

var (
	ErrUnknownDataset  = errors.New("unknown_dataset")
	ErrInvalidInsurer  = errors.New("invalid_insurer_id")
	ErrInvalidPeriod   = errors.New("invalid_period_id")
	ErrInvalidProvider = errors.New("invalid_provider_id")
	ErrInvalidYear     = errors.New("invalid_year")
	ErrInvalidRecord   = errors.New("invalid_record")
	ErrEmptyUpload     = errors.New("empty_upload")
	// ErrReplaceFailed marks a rolled back replace; prior records are intact.
	ErrReplaceFailed = errors.New("replace_failed")
)
