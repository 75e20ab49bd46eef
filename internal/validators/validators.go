// Package validators implements the pre-flight resource checks of
// spec.md §4.4: cheap, side-effect-free probes run against external
// resources before a job is admitted. Grounded on the registry.Validator
// contract and the teacher's handler-layer style of wrapping a single
// external dependency behind a small typed check.
package validators

import (
	"context"
	"fmt"

	"github.com/geoflow/orchestrator/internal/errdomain"
)

// BlobStat is the minimal capability a blob-existence check needs.
// Concrete storage backends (S3, GCS, local disk) satisfy this without
// the validator package importing any SDK directly.
type BlobStat interface {
	Exists(ctx context.Context, uri string) (bool, error)
}

// BlobExists verifies the parameter named field references a blob that
// exists and is readable (spec.md §4.4 "checks existence/readability of
// a blob").
type BlobExists struct {
	Field string
	Stat  BlobStat
}

func (v *BlobExists) Name() string { return "blob_exists:" + v.Field }

func (v *BlobExists) Check(parameters map[string]any) error {
	raw, ok := parameters[v.Field]
	if !ok {
		return &errdomain.PreflightError{Validator: v.Name(), Reason: fmt.Sprintf("parameter %q missing", v.Field)}
	}
	uri, ok := raw.(string)
	if !ok || uri == "" {
		return &errdomain.PreflightError{Validator: v.Name(), Reason: fmt.Sprintf("parameter %q is not a non-empty string", v.Field)}
	}

	exists, err := v.Stat.Exists(context.Background(), uri)
	if err != nil {
		return &errdomain.TransientInfrastructureError{Op: v.Name(), Err: err}
	}
	if !exists {
		return &errdomain.PreflightError{Validator: v.Name(), Reason: fmt.Sprintf("blob %q does not exist or is not readable", uri)}
	}
	return nil
}

// RowExistsQuerier is the minimal capability RowExists needs to probe a
// referenced database row, kept narrow so this package never imports
// gorm directly.
type RowExistsQuerier interface {
	RowExists(ctx context.Context, table, column string, value any) (bool, error)
}

// RowExists verifies the parameter named field references a row that
// is actually present (spec.md §4.4 "presence of a referenced row").
type RowExists struct {
	Field   string
	Table   string
	Column  string
	Querier RowExistsQuerier
}

func (v *RowExists) Name() string { return "row_exists:" + v.Table + "." + v.Column }

func (v *RowExists) Check(parameters map[string]any) error {
	value, ok := parameters[v.Field]
	if !ok {
		return &errdomain.PreflightError{Validator: v.Name(), Reason: fmt.Sprintf("parameter %q missing", v.Field)}
	}

	exists, err := v.Querier.RowExists(context.Background(), v.Table, v.Column, value)
	if err != nil {
		return &errdomain.TransientInfrastructureError{Op: v.Name(), Err: err}
	}
	if !exists {
		return &errdomain.PreflightError{Validator: v.Name(), Reason: fmt.Sprintf("no row in %s where %s = %v", v.Table, v.Column, value)}
	}
	return nil
}
