package metrics

import "sync/atomic"

// Registry holds the cumulative counters of the ingestion pipeline. All
// counters are monotonic for the process lifetime.
type Registry struct {
	admitted        atomic.Int64
	rateLimited     atomic.Int64
	duplicates      atomic.Int64
	rejected        atomic.Int64
	storageErrors   atomic.Int64
	decryptFailures atomic.Int64
	probeSuccesses  atomic.Int64
	probeFailures   atomic.Int64
}

// NewRegistry creates an empty metrics registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) IncAdmitted()        { r.admitted.Add(1) }
func (r *Registry) IncRateLimited()     { r.rateLimited.Add(1) }
func (r *Registry) IncDuplicates()      { r.duplicates.Add(1) }
func (r *Registry) IncRejected()        { r.rejected.Add(1) }
func (r *Registry) IncStorageErrors()   { r.storageErrors.Add(1) }
func (r *Registry) IncDecryptFailures() { r.decryptFailures.Add(1) }
func (r *Registry) IncProbeSuccesses()  { r.probeSuccesses.Add(1) }
func (r *Registry) IncProbeFailures()   { r.probeFailures.Add(1) }

// Counters is a point-in-time copy of the registry.
type Counters struct {
	Admitted        int64 `json:"admitted"`
	RateLimited     int64 `json:"rate_limited"`
	Duplicates      int64 `json:"duplicates"`
	Rejected        int64 `json:"rejected"`
	StorageErrors   int64 `json:"storage_errors"`
	DecryptFailures int64 `json:"decrypt_failures"`
	ProbeSuccesses  int64 `json:"probe_successes"`
	ProbeFailures   int64 `json:"probe_failures"`
}

// Snapshot returns the current counter values.
func (r *Registry) Snapshot() Counters {
	return Counters{
		Admitted:        r.admitted.Load(),
		RateLimited:     r.rateLimited.Load(),
		Duplicates:      r.duplicates.Load(),
		Rejected:        r.rejected.Load(),
		StorageErrors:   r.storageErrors.Load(),
		DecryptFailures: r.decryptFailures.Load(),
		ProbeSuccesses:  r.probeSuccesses.Load(),
		ProbeFailures:   r.probeFailures.Load(),
	}
}
