// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"time"
)

// Method names are the RPC contract between services; they appear verbatim
// in the __method field of request frames.
const (
	// ESMethodNewSubmission announces a freshly stored submission to the
	// evaluation service.
	//
	// Args: NewSubmissionArgs
	// Reply: none
	ESMethodNewSubmission = "new_submission"

	// ESMethodNewUserTest announces a freshly stored user test.
	//
	// Args: NewUserTestArgs
	// Reply: none
	ESMethodNewUserTest = "new_user_test"

	// ESMethodSubmissionTokened tells the evaluation service a token was
	// used: queued evaluate jobs are promoted and the scoring service is
	// notified.
	//
	// Args: SubmissionTokenedArgs
	// Reply: none
	ESMethodSubmissionTokened = "submission_tokened"

	// ESMethodInvalidateSubmission wipes grading state for the selected
	// submissions and schedules the work anew.
	//
	// Args: InvalidateArgs
	// Reply: none
	ESMethodInvalidateSubmission = "invalidate_submission"

	// ESMethodDisableWorker takes a worker out of the assignable set,
	// after its current job (if any) completes or is discarded.
	//
	// Args: WorkerShardArgs
	// Reply: none
	ESMethodDisableWorker = "disable_worker"

	// ESMethodEnableWorker returns a disabled worker to the assignable set.
	//
	// Args: WorkerShardArgs
	// Reply: none
	ESMethodEnableWorker = "enable_worker"

	// ESMethodWorkersStatus reports one status entry per worker shard.
	//
	// Args: none
	// Reply: WorkersStatusReply
	ESMethodWorkersStatus = "workers_status"

	// ESMethodQueueStatus reports a snapshot of the job queue.
	//
	// Args: none
	// Reply: QueueStatusReply
	ESMethodQueueStatus = "queue_status"

	// ESMethodSubmissionsStatus reports contest wide grading progress
	// counts.
	//
	// Args: none
	// Reply: SubmissionsStatusReply
	ESMethodSubmissionsStatus = "submissions_status"
)

const (
	// WorkerMethodExecuteJob asks a worker to run one compile or evaluate
	// job. Workers run at most one at a time and reply with ErrWorkerBusy
	// while occupied.
	//
	// Args: Job
	// Reply: JobResult
	WorkerMethodExecuteJob = "execute_job"

	// WorkerMethodPrecacheFiles asks a worker to warm its file cache with
	// every file the contest references.
	//
	// Args: PrecacheArgs
	// Reply: none
	WorkerMethodPrecacheFiles = "precache_files"

	// WorkerMethodIgnoreJob tells a worker its current job's result will be
	// discarded; it should stop as soon as feasible.
	//
	// Args: none
	// Reply: none
	WorkerMethodIgnoreJob = "ignore_job"
)

const (
	// FSMethodPutFile streams a file into the store in chunks. Content
	// travels in the frame's binary section. The first chunk omits
	// ChunkRef; the store replies with one to be passed on following
	// chunks. The reply to the Final chunk carries the digest.
	//
	// Args: PutFileArgs (+ binary section)
	// Reply: PutFileReply
	FSMethodPutFile = "put_file"

	// FSMethodGetFile returns a range of a stored file as a binary
	// response. A nil ChunkSize means to end of file; a short (or empty)
	// read means the file is exhausted.
	//
	// Args: GetFileArgs
	// Reply: binary
	FSMethodGetFile = "get_file"

	// FSMethodDelete removes a file and its description.
	//
	// Args: DigestArgs
	// Reply: bool
	FSMethodDelete = "delete"

	// FSMethodDescribe returns the human readable description of a file.
	//
	// Args: DigestArgs
	// Reply: string
	FSMethodDescribe = "describe"

	// FSMethodIsFilePresent reports whether a digest is stored.
	//
	// Args: DigestArgs
	// Reply: bool
	FSMethodIsFilePresent = "is_file_present"
)

const (
	// SSMethodNewEvaluation tells the scoring service a submission result
	// is fully evaluated and ready to score.
	//
	// Args: NewEvaluationArgs
	// Reply: none
	SSMethodNewEvaluation = "new_evaluation"

	// SSMethodSubmissionTokened tells the scoring service to relay a token
	// to rankings. A zero timestamp means the token row's own timestamp.
	//
	// Args: SubmissionTokenedArgs
	// Reply: none
	SSMethodSubmissionTokened = "submission_tokened"
)

const (
	// LogMethodLog appends one remote log line to the central log.
	//
	// Args: LogEntry
	// Reply: none
	LogMethodLog = "log"

	// LogMethodLastMessages returns the ring of recent non-debug messages.
	//
	// Args: none
	// Reply: LastMessagesReply
	LogMethodLastMessages = "last_messages"
)

const (
	// MethodEcho is available on every service and returns its argument.
	//
	// Args: EchoArgs
	// Reply: string
	MethodEcho = "echo"

	// MethodQuit is available on every service and asks it to shut down.
	//
	// Args: QuitArgs
	// Reply: none
	MethodQuit = "quit"
)

// InvalidationLevelCompilation and InvalidationLevelEvaluation select how
// much grading state invalidate_submission wipes. Compilation implies
// evaluation.
const (
	InvalidationLevelCompilation = "compilation"
	InvalidationLevelEvaluation  = "evaluation"
)

// NewSubmissionArgs is used by the contest web server to announce a
// submission.
type NewSubmissionArgs struct {
	SubmissionID int64 `json:"submission_id"`
}

// NewUserTestArgs is used by the contest web server to announce a user
// test.
type NewUserTestArgs struct {
	UserTestID int64 `json:"user_test_id"`
}

// SubmissionTokenedArgs carries a token event. A zero Timestamp means "use
// the token row's own timestamp".
type SubmissionTokenedArgs struct {
	SubmissionID int64     `json:"submission_id"`
	Timestamp    time.Time `json:"timestamp,omitzero"`
}

// InvalidateArgs selects the submissions whose grading state is wiped. At
// most one of SubmissionID, UserID, TaskID may be set; zero values mean
// "all in contest". DatasetID additionally narrows which datasets are
// affected.
type InvalidateArgs struct {
	SubmissionID int64  `json:"submission_id,omitempty"`
	UserID       int64  `json:"user_id,omitempty"`
	TaskID       int64  `json:"task_id,omitempty"`
	DatasetID    int64  `json:"dataset_id,omitempty"`
	Level        string `json:"level"`
}

// Validate checks selector exclusivity and the level.
func (a *InvalidateArgs) Validate() error {
	set := 0
	for _, id := range []int64{a.SubmissionID, a.UserID, a.TaskID} {
		if id != 0 {
			set++
		}
	}
	if set > 1 {
		return fmt.Errorf("at most one of submission_id, user_id, task_id may be set")
	}
	switch a.Level {
	case InvalidationLevelCompilation, InvalidationLevelEvaluation:
		return nil
	default:
		return fmt.Errorf("unknown invalidation level %q", a.Level)
	}
}

// WorkerShardArgs names a worker shard.
type WorkerShardArgs struct {
	Shard int `json:"shard"`
}

// WorkerStatus is one entry of a workers_status reply.
type WorkerStatus struct {
	Connected bool       `json:"connected"`
	Disabled  bool       `json:"disabled"`
	Ignoring  bool       `json:"ignoring"`
	Job       *Job       `json:"job,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// WorkersStatusReply maps worker shard to status.
type WorkersStatusReply map[int]WorkerStatus

// QueueItemStatus is one entry of a queue_status reply, ordered most
// urgent first.
type QueueItemStatus struct {
	Priority  int       `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
	Job       Job       `json:"job"`
}

// QueueStatusReply is a stable snapshot of the job queue.
type QueueStatusReply []QueueItemStatus

// SubmissionsStatusReply summarizes grading progress over the datasets the
// dispatcher grades.
type SubmissionsStatusReply struct {
	Total             int `json:"total"`
	Compiling         int `json:"compiling"`
	CompilationFailed int `json:"compilation_failed"`
	Evaluating        int `json:"evaluating"`
	Scoring           int `json:"scoring"`
	Scored            int `json:"scored"`
	Stalled           int `json:"stalled"`
}

// PrecacheArgs names the contest whose files a worker should warm.
type PrecacheArgs struct {
	ContestID int64 `json:"contest_id"`
}

// PutFileArgs accompanies one uploaded chunk; the chunk bytes travel in the
// frame's binary section.
type PutFileArgs struct {
	Description string `json:"description,omitempty"`
	ChunkRef    string `json:"chunk_ref,omitempty"`
	Final       bool   `json:"final"`
}

// PutFileReply carries the continuation token, or the digest once Final.
type PutFileReply struct {
	ChunkRef string `json:"chunk_ref,omitempty"`
	Digest   string `json:"digest,omitempty"`
}

// GetFileArgs requests a byte range of a stored file.
type GetFileArgs struct {
	Digest    string `json:"digest"`
	Start     int64  `json:"start"`
	ChunkSize *int64 `json:"chunk_size"`
}

// DigestArgs names a stored file.
type DigestArgs struct {
	Digest string `json:"digest"`
}

// NewEvaluationArgs names a submission ready for scoring.
type NewEvaluationArgs struct {
	SubmissionID int64 `json:"submission_id"`
}

// Severities of central log entries, ordered.
const (
	LogSeverityDebug    = "debug"
	LogSeverityInfo     = "info"
	LogSeverityWarning  = "warning"
	LogSeverityError    = "error"
	LogSeverityCritical = "critical"
)

// LogEntry is one remote log line as stored by the log service.
type LogEntry struct {
	Message      string    `json:"message"`
	ServiceName  string    `json:"service_name"`
	ServiceShard int       `json:"service_shard"`
	Operation    string    `json:"operation,omitempty"`
	Severity     string    `json:"severity"`
	Timestamp    time.Time `json:"timestamp"`
}

// LastMessagesReply is the ring of recent non-debug entries, oldest first.
type LastMessagesReply []LogEntry

// EchoArgs is the argument of the universal echo method.
type EchoArgs struct {
	Text string `json:"text"`
}

// QuitArgs is the argument of the universal quit method.
type QuitArgs struct {
	Reason string `json:"reason,omitempty"`
}
