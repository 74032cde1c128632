// Package events carries job lifecycle and progress notifications from the
// job manager onto the event bus.
package events

import "strings"

// Event types
const (
	JobStateChanged = "job.state_changed"
	JobProgress     = "job.progress"
)

// Subject prefixes. Full subjects append the job id.
const (
	stateSubjectPrefix    = "job.state."
	progressSubjectPrefix = "job.progress."

	// AllJobsSubject matches every job event.
	AllJobsSubject = "job.>"
)

// StateSubject returns the subject carrying state changes of one job.
func StateSubject(jobID string) string {
	return stateSubjectPrefix + jobID
}

// ProgressSubject returns the subject carrying progress updates of one job.
func ProgressSubject(jobID string) string {
	return progressSubjectPrefix + jobID
}

// JobIDFromSubject extracts the job id from a state or progress subject.
func JobIDFromSubject(subject string) (string, bool) {
	for _, prefix := range []string{stateSubjectPrefix, progressSubjectPrefix} {
		if id, ok := strings.CutPrefix(subject, prefix); ok && id != "" {
			return id, true
		}
	}
	return "", false
}
