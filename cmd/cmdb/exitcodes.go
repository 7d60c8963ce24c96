package main

import (
	"errors"

	"github.com/aiops-lab/cmdb/internal/ingest"
)

// Exit codes. Dispatchers retry on 3 and alert on the rest.
const (
	ExitSuccess        = 0 // Success
	ExitError          = 1 // General error (invalid arguments, SQL failure)
	ExitSchemaError    = 2 // Schema script could not be applied
	ExitUpstreamError  = 3 // Collection endpoint unavailable
	ExitNoData         = 4 // Output contained no JSON objects
	ExitPreflightError = 5 // Environment check failed before collection
	ExitVerifyFailed   = 6 // Written version failed consistency checks
)

// exitCodeFor maps an error returned by a command to its exit code.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, ingest.ErrSchemaApply):
		return ExitSchemaError
	case errors.Is(err, ingest.ErrUpstreamUnavailable):
		return ExitUpstreamError
	case errors.Is(err, ingest.ErrNoExtractableData):
		return ExitNoData
	case errors.Is(err, ingest.ErrPreflight):
		return ExitPreflightError
	case errors.Is(err, ingest.ErrVerifyFailed):
		return ExitVerifyFailed
	default:
		return ExitError
	}
}
