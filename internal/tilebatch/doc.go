// Package tilebatch coalesces and batches tile image requests coming from a
// map surface before handing them to an external Resolver.
//
// Repeated requests for the same tile key replace each other: the superseded
// callback receives ErrCancelled synchronously, before the replacement is
// stored. Distinct pending requests accumulate until the settle window passes
// without a new enqueue, then the whole set is sent to the resolver in a
// single call. Each resolved item is decoded by the Loader; anything the
// resolver omitted, reported absent, or failed on is completed with an error.
//
// Every admitted request completes exactly once through its Callback with
// either a non-nil Handle or a non-nil error, never both.
package tilebatch
