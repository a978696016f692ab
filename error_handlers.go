package fairq

import (
	lg "github.com/Andrej220/go-utils/zlog"

	"github.com/azargarov/fairq/metrics"
)

// reportJobError reports an error returned by a job or produced by
// panic recovery.
//
// The job's HandleFailure callback takes precedence over the default
// log entry and receives a copy of the job. A panicking callback is
// recovered and logged.
func (d *Dispatcher) reportJobError(j *Job, err error) {
	logger := lg.FromContext(j.context()).With(
		lg.String("job_id", j.ID),
		lg.String("tenant", j.TenantKey),
		lg.String("job_type", j.jobType()),
	)

	if j.HandleFailure == nil {
		logger.Error("job failed",
			lg.String("reason", metrics.FailureReason(err)),
			lg.Int("attempts", j.Attempts),
			lg.Any("error", err),
		)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("failure handler panicked", lg.Any("panic", r), lg.Any("error", err))
		}
	}()
	jc := *j
	j.HandleFailure(err, &jc)
}
