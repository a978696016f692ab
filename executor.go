package fairq

import (
	"time"
)

// execute runs a started job and reports its outcome.
//
// The deferred completion is sent to the scheduler exactly once, on both
// the success and the failure path, and releases the job's slots.
func (d *Dispatcher) execute(qj *queuedJob, wait time.Duration) {
	j := qj.job
	started := time.Now()
	defer func() {
		elapsed := time.Since(started)
		d.send(func() { d.finish(qj, elapsed) })
	}()

	err := runSafely(j)
	elapsed := time.Since(started)
	if err == nil {
		d.metrics.RecordProcessed(j.jobType(), 1, elapsed, wait)
		return
	}
	d.metrics.RecordFailed(j.jobType(), 1, err, elapsed, wait)
	d.reportJobError(j, err)
}

// runSafely calls the job's Execute func, converting a panic into a
// *PanicError.
func runSafely(j *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return j.Execute(j.context())
}
