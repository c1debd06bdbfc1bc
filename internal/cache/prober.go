package cache

// defaultProbeThreshold is how many per-chat freshness probes are allowed
// before the engine switches to loading the whole dialog list instead.
const defaultProbeThreshold = 5

type proberState int

const (
	// proberProbing answers each freshness question with a single
	// lightweight one-message fetch.
	proberProbing proberState = iota
	// proberBulkSnapshot answers from the in-memory dialog list. The
	// transition is irreversible for the process lifetime.
	proberBulkSnapshot
)

// prober is the adaptive freshness strategy: cheap per-chat probes for
// one-off queries, one bulk dialog listing once usage shows many chats
// are being checked. Both strategies must return the same answer; only
// the API cost differs.
type prober struct {
	state     proberState
	calls     int
	threshold int
}

func newProber(threshold int) prober {
	if threshold <= 0 {
		threshold = defaultProbeThreshold
	}
	return prober{threshold: threshold}
}

// recordCall counts one probe and reports whether the threshold has been
// reached, meaning the caller should load the bulk snapshot now.
func (p *prober) recordCall() bool {
	if p.state == proberBulkSnapshot {
		return false
	}
	p.calls++
	return p.calls >= p.threshold
}

func (p *prober) markBulk() {
	p.state = proberBulkSnapshot
}

func (p *prober) bulk() bool {
	return p.state == proberBulkSnapshot
}
