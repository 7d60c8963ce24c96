package ingest

import "errors"

// Failure classes of a run. The CLI maps each to its own exit code.
var (
	// ErrPreflight indicates the environment check failed before any
	// collection. Nothing was written.
	ErrPreflight = errors.New("preflight failed")

	// ErrUpstreamUnavailable indicates no kind could be collected.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrNoExtractableData indicates collection succeeded but harvesting
	// found no objects, usually an output format regression.
	ErrNoExtractableData = errors.New("no extractable data")

	// ErrSchemaApply indicates the schema script could not be applied.
	ErrSchemaApply = errors.New("schema apply failed")

	// ErrVerifyFailed indicates the written version failed verification.
	ErrVerifyFailed = errors.New("verification failed")
)

// Reason returns the metric/report label for err.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPreflight):
		return "preflight"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, ErrNoExtractableData):
		return "no_extractable_data"
	case errors.Is(err, ErrSchemaApply):
		return "schema_apply"
	case errors.Is(err, ErrVerifyFailed):
		return "verify_failed"
	default:
		return "runtime"
	}
}
