package uploader

import "time"

var (
	// DefaultMaxRetries bounds attempts made by the exponential policy.
	DefaultMaxRetries = 4

	// DefaultRetryDelay is the first backoff step of the exponential policy; it doubles after every failure.
	DefaultRetryDelay = time.Second

	// DefaultFinalizeMaxRetryDelay caps the total time spent polling the finalize endpoint.
	DefaultFinalizeMaxRetryDelay = 300 * time.Second

	// DefaultFinalizeRetryDelay is the wait between finalize polls when the server sends no Retry-After.
	DefaultFinalizeRetryDelay = time.Second

	// DefaultMetadataMaxRetryDelay caps the total time spent waiting for page metadata to be populated.
	DefaultMetadataMaxRetryDelay = 5000 * time.Second

	// DefaultMetadataRetryDelay is the wait between metadata polls when the server sends no Retry-After.
	DefaultMetadataRetryDelay = 2 * time.Second

	// DefaultSessionTTL is the fallback expiration applied to upload sessions.
	DefaultSessionTTL = 30 * time.Minute

	// DefaultMaxFileSize is the largest file accepted by the default validator.
	DefaultMaxFileSize int64 = 100 * 1024 * 1024

	// DefaultSniffLength is how many leading bytes are read for content detection.
	DefaultSniffLength int64 = 3072

	// DefaultRequestTimeout applies to the default HTTP client; chunk PUTs on slow links need headroom.
	DefaultRequestTimeout = 2 * time.Minute
)

// DefaultRetryConfig returns the per-endpoint retry settings used when none are supplied.
func DefaultRetryConfig() RetryConfig {
	exp := ExponentialConfig{
		MaxRetries: DefaultMaxRetries,
		RetryDelay: DefaultRetryDelay,
	}

	return RetryConfig{
		Create: exp,
		Delete: exp,
		Chunk:  exp,
		Finalize: PollingConfig{
			MaxRetryDelay:     DefaultFinalizeMaxRetryDelay,
			DefaultRetryDelay: DefaultFinalizeRetryDelay,
		},
		Metadata: PollingConfig{
			MaxRetryDelay:     DefaultMetadataMaxRetryDelay,
			DefaultRetryDelay: DefaultMetadataRetryDelay,
		},
	}
}

// DefaultProfileTable mirrors the observed production tiers.
func DefaultProfileTable() ProfileTable {
	return ProfileTable{
		TierHighEnd:  {MaxConcurrentFiles: 3, MaxConcurrentChunks: 10},
		TierMidRange: {MaxConcurrentFiles: 3, MaxConcurrentChunks: 10},
		TierLowEnd:   {MaxConcurrentFiles: 2, MaxConcurrentChunks: 6},
	}
}
