package bus

// PublishOption changes how a single Publish or PublishBatch call behaves.
type PublishOption func(*publishOptions)

type publishOptions struct {
	persist       bool
	async         bool
	retry         bool
	correlationID string
}

func newPublishOptions(opts []PublishOption) publishOptions {
	o := publishOptions{persist: true, retry: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithoutPersist dispatches an ephemeral event (version -1) that never
// reaches the log.
func WithoutPersist() PublishOption {
	return func(o *publishOptions) { o.persist = false }
}

// Async returns as soon as the event is recorded; handlers run on their own
// goroutine with no delivery guarantee beyond scheduling.
func Async() PublishOption {
	return func(o *publishOptions) { o.async = true }
}

// WithoutRetry runs every handler exactly once.
func WithoutRetry() PublishOption {
	return func(o *publishOptions) { o.retry = false }
}

// WithCorrelationID sets the correlation id shared by a published batch.
func WithCorrelationID(id string) PublishOption {
	return func(o *publishOptions) { o.correlationID = id }
}
