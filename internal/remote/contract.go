package remote

import "errors"

// Sentinel errors returned by remote stores. Implementations wrap them
// with context; callers test with errors.Is.
var (
	// ErrVersionConflict reports that a conditional write found the
	// document at a different version than expected.
	ErrVersionConflict = errors.New("version conflict")

	// ErrNotFound reports that the target document or blob does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTransient reports a network or server failure worth retrying.
	ErrTransient = errors.New("transient remote failure")

	// ErrFatal reports a rejection that will not succeed on retry, such as
	// validation or permission failures.
	ErrFatal = errors.New("rejected by remote")
)

// Patch is a field-level update of one document.
type Patch struct {
	// Set replaces the named top-level fields.
	Set map[string]any

	// IfVersion, when non-zero, makes the update conditional on the
	// document's current version.
	IfVersion int64

	// OpID identifies the operation producing the patch. A store that has
	// already applied a patch with this OpID must treat the repeat as a
	// successful no-op.
	OpID string
}
