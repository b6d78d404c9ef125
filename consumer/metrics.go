package consumer

// Timer measures the duration of one operation.
type Timer interface {
	// ObserveDuration records the elapsed time since the timer was created.
	ObserveDuration()
}

// Metrics receives consumer instrumentation.
type Metrics interface {
	DispatchDuration(messageType string, live bool) Timer
	MessageProcessed(messageType string, live bool, success bool)
	Position(category string, position int64)
	ReadRetried(category string)
	Checkpointed(category string, success bool)
}

// NopMetrics returns a Metrics implementation that discards everything.
func NopMetrics() Metrics { return nopMetrics{} }

type nopMetrics struct{}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

func (nopMetrics) DispatchDuration(string, bool) Timer { return nopTimer{} }
func (nopMetrics) MessageProcessed(string, bool, bool) {}
func (nopMetrics) Position(string, int64)              {}
func (nopMetrics) ReadRetried(string)                  {}
func (nopMetrics) Checkpointed(string, bool)           {}
