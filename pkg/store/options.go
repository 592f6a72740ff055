package store

// WriteOptions collects per-write settings resolved from WriteOption values.
type WriteOptions struct {
	// RefreshWait requests wait-for-visible semantics: the write call does
	// not return until the document is visible to subsequent searches.
	// Required for any write whose follow-up read must observe it (state
	// transitions, audit rows consulted by dedup checks).
	RefreshWait bool
}

// WriteOption customizes a single write call.
type WriteOption func(*WriteOptions)

// WithRefreshWait enables wait-for-visible refresh on the write.
func WithRefreshWait() WriteOption {
	return func(o *WriteOptions) { o.RefreshWait = true }
}

// ApplyWriteOptions resolves a WriteOption list into WriteOptions.
func ApplyWriteOptions(opts []WriteOption) WriteOptions {
	var out WriteOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&out)
		}
	}
	return out
}
