// Package errors provides structured error types for the starpack library.
//
// Errors are categorized by Phase (where in the resolution pipeline the error
// occurred) and Kind (error category). The Error type carries the module or
// resource name involved and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseDecode, errors.KindOutOfBounds).
//		Name("pkg.mod").
//		Detail("code field exceeds heap").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.BadMagic(string(got), "SPKR")
//	err := errors.NotFound(errors.PhaseIndex, "module", "pkg.mod")
//
// Absence is an expected query outcome, not a failure; check for it with
// IsNotFound before treating an error as fatal:
//
//	rec, err := idx.Resolve(name)
//	if errors.IsNotFound(err) {
//		// fall through to the next finder in the host chain
//	}
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
