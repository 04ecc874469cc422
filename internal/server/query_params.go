package server

import (
	"errors"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
)

func parseOptionalInt(value string) (*int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func parseOptionalSnowflakeID(value string) (*snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := snowflake.ParseString(trimmed)
	if err != nil || parsed == 0 {
		return nil, errors.New("invalid_snowflake_id")
	}
	return &parsed, nil
}

// snowflakeParam reads an optional id parameter; zero means absent.
func snowflakeParam(value, field string) (snowflake.ID, error) {
	id, err := parseOptionalSnowflakeID(value)
	if err != nil {
		return 0, newValidationError(field, "invalid_"+field, "invalid "+strings.ReplaceAll(field, "_", " "))
	}
	if id == nil {
		return 0, nil
	}
	return *id, nil
}

func intParam(value, field string) (int, error) {
	n, err := parseOptionalInt(value)
	if err != nil {
		return 0, newValidationError(field, "invalid_"+field, "invalid "+field)
	}
	if n == nil {
		return 0, nil
	}
	return *n, nil
}
