package serverconn

import "time"

// QuenchKind distinguishes the three flow-control postures the broker
// can be told to observe on a given iteration.
type QuenchKind int

const (
	// QuenchNone means proceed with no additional delay.
	QuenchNone QuenchKind = iota
	// QuenchDeadline sleeps until the earlier of the deadline or socket readiness.
	QuenchDeadline
	// QuenchForever suspends all reads until the manager notifies again.
	QuenchForever
)

// Quench is the flow-control directive the manager hands the broker
// at the top of each scheduling iteration.
type Quench struct {
	Kind     QuenchKind
	Deadline time.Time
}

// None is the zero-delay quench directive.
var None = Quench{Kind: QuenchNone}

// Forever suspends reads until explicitly woken.
var Forever = Quench{Kind: QuenchForever}

// AtDeadline gates reads until t.
func AtDeadline(t time.Time) Quench {
	return Quench{Kind: QuenchDeadline, Deadline: t}
}

// Default flow-control tunables (§4.3).
const (
	DefaultQueueQuenchMax = 50
	DefaultQuenchBatch    = 100
	DefaultProcessRateMs  = 5 * time.Millisecond
)

// Computer tracks the manager's inbound-queue depth and ingestion
// batches and derives the Quench directive the broker should observe,
// per the "smoothing sustained bursts without starving" rule.
type Computer struct {
	QueueQuenchMax int
	QuenchBatch    int
	ProcessRate    time.Duration

	batchCount   int
	batchStarted time.Time
}

// NewComputer returns a Computer configured with the package defaults.
func NewComputer() *Computer {
	return &Computer{
		QueueQuenchMax: DefaultQueueQuenchMax,
		QuenchBatch:    DefaultQuenchBatch,
		ProcessRate:    DefaultProcessRateMs,
	}
}

// Ingested records that n more events were delivered to workspaces.
// The batch window opens on the first event and is NOT rolled here:
// it rolls over only once Compute observes its deadline has elapsed,
// never early on an idle stream.
func (c *Computer) Ingested(n int) {
	if n <= 0 {
		return
	}
	if c.batchStarted.IsZero() {
		c.batchStarted = nowFunc()
	}
	c.batchCount += n
}

// Compute derives the current Quench from the inbound queue depth. A
// full batch gates further delivery until
// batch_started + batch_count × process_rate, smoothing sustained
// bursts to the configured per-event rate without starving: 200 events
// at the 5ms default cannot clear in under a second.
func (c *Computer) Compute(inboundQueueLen int) Quench {
	if inboundQueueLen >= c.QueueQuenchMax {
		return Forever
	}
	if c.batchCount < c.QuenchBatch {
		return None
	}
	deadline := c.batchStarted.Add(time.Duration(c.batchCount) * c.ProcessRate)
	if nowFunc().Before(deadline) {
		return AtDeadline(deadline)
	}
	c.batchCount = 0
	c.batchStarted = time.Time{}
	return None
}

// nowFunc is indirected so tests can control batch timing without
// sleeping.
var nowFunc = time.Now
