package batch

// ProgressSink observes a run's counters after each item, in processing order.
type ProgressSink interface {
	Progress(Stats)
}

// NopSink discards progress.
type NopSink struct{}

// Progress implements ProgressSink.
func (NopSink) Progress(Stats) {}

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(Stats)

// Progress implements ProgressSink.
func (f SinkFunc) Progress(s Stats) {
	f(s)
}

// StartObserver is implemented by sinks that want to know when the run row
// exists. Started is called once, before the first item, with zero counters.
type StartObserver interface {
	Started(Stats)
}
