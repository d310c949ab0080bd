package model

import "time"

// LogType is the severity class of a batch.
type LogType string

const (
	LogTypeError LogType = "error"
	LogTypeInfo  LogType = "info"
	LogTypeMixed LogType = "mixed"
)

// GenericFolder names the group of entries without any patient identity.
const GenericFolder = "generic_logs"

// TypeOf returns the batch class an entry of the given level belongs to.
func TypeOf(l Level) LogType {
	if l.IsErrorClass() {
		return LogTypeError
	}
	return LogTypeInfo
}

// LogBatch is an immutable snapshot of entries destined for one uploaded file.
type LogBatch struct {
	BatchID    string     `json:"batchId"`
	Logs       []LogEntry `json:"logs"`
	CreatedAt  time.Time  `json:"createdAt"`
	PatientID  string     `json:"patientId,omitempty"`
	LogType    LogType    `json:"logType"`
	FolderName string     `json:"folderName"`
}

// FolderFor returns the folder name of an effective identity.
func FolderFor(identity string) string {
	if identity == "" {
		return GenericFolder
	}
	return identity
}
