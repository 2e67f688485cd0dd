package pipeline

import "time"

// State is a step of a job.
type State int

const (
	StateReceived State = iota
	StateDownloading
	StateValidating
	StatePublishing
	StateMinting
	StateReporting
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "RECEIVED"
	case StateDownloading:
		return "DOWNLOADING"
	case StateValidating:
		return "VALIDATING"
	case StatePublishing:
		return "PUBLISHING"
	case StateMinting:
		return "MINTING"
	case StateReporting:
		return "REPORTING"
	case StateDone:
		return "DONE"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Status texts sent on entering a state.
const (
	StatusStarted     = "Started processing file"
	StatusDownloading = "Downloading file."
	StatusValidating  = "Validating file."
	StatusPublishing  = "Publishing to catalog."
	StatusMinting     = "Generating metadata."
	StatusError       = "Error processing"
	StatusDone        = "Done"
)

// statusText returns the text announced on entering s; REPORTING has none
// of its own.
func (s State) statusText() string {
	switch s {
	case StateReceived:
		return StatusStarted
	case StateDownloading:
		return StatusDownloading
	case StateValidating:
		return StatusValidating
	case StatePublishing:
		return StatusPublishing
	case StateMinting:
		return StatusMinting
	case StateError:
		return StatusError
	case StateDone:
		return StatusDone
	}
	return ""
}

// StartLayout formats Status.Start.
const StartLayout = "2006-01-02T15:04:05"

// Status is a progress report sent to a job's reply address.
type Status struct {
	FileID      string `json:"file_id"`
	ExtractorID string `json:"extractor_id"`
	Status      string `json:"status"`
	Start       string `json:"start"`
}

func newStatus(fileID, extractor, text string, now time.Time) Status {
	return Status{
		FileID:      fileID,
		ExtractorID: extractor,
		Status:      text,
		Start:       now.Format(StartLayout),
	}
}
