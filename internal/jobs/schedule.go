package jobs

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kalambet/loom/internal/storage"
)

// Triggers are either a Go duration ("30m", "1h30m") or a standard
// five-field cron expression with descriptors ("@hourly", "0 9 * * 1").
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NextRun computes a recurring job's next run time after from. A job
// with an empty or unparsable trigger gets a far-future time so it stops
// cycling instead of spinning the poller.
func NextRun(j storage.Job, from time.Time) (time.Time, error) {
	if j.Trigger == "" {
		return from.Add(24 * time.Hour), fmt.Errorf("job %s has no trigger", j.ID)
	}
	if d, err := time.ParseDuration(j.Trigger); err == nil {
		if d <= 0 {
			return from.Add(24 * time.Hour), fmt.Errorf("job %s has non-positive interval %q", j.ID, j.Trigger)
		}
		return from.Add(d), nil
	}
	sched, err := cronParser.Parse(j.Trigger)
	if err != nil {
		return from.Add(24 * time.Hour), fmt.Errorf("parsing trigger %q for job %s: %w", j.Trigger, j.ID, err)
	}
	return sched.Next(from), nil
}

// ValidateTrigger rejects a trigger string at enqueue time rather than
// letting a bad schedule surface on the first reschedule.
func ValidateTrigger(trigger string) error {
	if trigger == "" {
		return nil
	}
	if d, err := time.ParseDuration(trigger); err == nil {
		if d <= 0 {
			return fmt.Errorf("interval %q must be positive", trigger)
		}
		return nil
	}
	if _, err := cronParser.Parse(trigger); err != nil {
		return fmt.Errorf("trigger %q is neither a duration nor a cron expression: %w", trigger, err)
	}
	return nil
}
