package queue

import "fmt"

// Stream names.
const (
	StreamDispatch = "TRIAGE_DISPATCH"
	StreamTasks    = "TRIAGE_TASKS"
	StreamArchive  = "TRIAGE_ARCHIVE_REQ"
)

// Subjects on the dispatch stream.
const (
	SubjectIngest   = "triage.submission.ingest"
	SubjectFinished = "triage.task.finished"
	SubjectFailed   = "triage.task.failed"
	SubjectCancel   = "triage.submission.cancel"
)

// SubjectArchive is the subject on the archive stream.
const SubjectArchive = "triage.archive.request"

// TaskSubjectPrefix is the subject prefix for per-service task queues.
const TaskSubjectPrefix = "triage.task.dispatch"

// TaskSubject returns the task queue subject for a service.
func TaskSubject(serviceName string) string {
	return fmt.Sprintf("%s.%s", TaskSubjectPrefix, serviceName)
}
