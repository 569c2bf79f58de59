package runtime

import "fmt"

// capacityError signals that admitting an asset would exceed the memory
// budget, for 409 mapping with the accounting in the message.
type capacityError struct {
	assetID     string
	needGB      float64
	committedGB float64
	budgetGB    float64
}

func (e capacityError) Error() string {
	return fmt.Sprintf("insufficient memory for %s: needs %.1f GB, %.1f of %.1f GB already committed",
		e.assetID, e.needGB, e.committedGB, e.budgetGB)
}

// IsCapacity reports whether err is a memory-budget rejection.
func IsCapacity(err error) bool {
	_, ok := err.(capacityError)
	return ok
}

// categoryBusyError signals that another asset of the same category is
// already resident or loading.
type categoryBusyError struct {
	assetID  string
	category string
	holder   string
}

func (e categoryBusyError) Error() string {
	return fmt.Sprintf("cannot load %s: %s slot is held by %s, unload it first",
		e.assetID, e.category, e.holder)
}

// IsCategoryBusy reports whether err is a category-exclusivity rejection.
func IsCategoryBusy(err error) bool {
	_, ok := err.(categoryBusyError)
	return ok
}

// notDownloadedError signals a load attempt on an asset with no local files.
type notDownloadedError struct{ assetID string }

func (e notDownloadedError) Error() string {
	return "asset not downloaded: " + e.assetID
}

// ErrNotDownloaded constructs a notDownloadedError.
func ErrNotDownloaded(assetID string) error { return notDownloadedError{assetID: assetID} }

// IsNotDownloaded reports whether err indicates missing local files.
func IsNotDownloaded(err error) bool {
	_, ok := err.(notDownloadedError)
	return ok
}

// conflictError signals an operation invalid in the asset's current state,
// e.g. unloading while a load is still running.
type conflictError struct{ msg string }

func (e conflictError) Error() string { return e.msg }

// ErrConflict constructs a conflictError.
func ErrConflict(format string, args ...any) error {
	return conflictError{msg: fmt.Sprintf(format, args...)}
}

// IsConflict reports whether err is a state-conflict rejection.
func IsConflict(err error) bool {
	_, ok := err.(conflictError)
	return ok
}
