package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// Status is the lifecycle state of a job. It is never stored; it is
// derived from the artifacts found in the job directory.
type Status string

const (
	StatusAvailable Status = "AVAILABLE"
	StatusRunning   Status = "RUNNING"
	StatusDone      Status = "DONE"
	StatusReview    Status = "REVIEW"
	StatusFixme     Status = "FIXME"
	StatusError     Status = "ERROR"
)

var statusMessages = map[Status]string{
	StatusRunning:   "Processing...",
	StatusReview:    "Pending street names review",
	StatusFixme:     "Pending fixmes review",
	StatusDone:      "Process finished",
	StatusAvailable: "Not processed",
	StatusError:     "Finished with error",
}

// Message returns the human readable description of s.
func (s Status) Message() string {
	return statusMessages[s]
}

var (
	codePattern  = regexp.MustCompile(`^[0-9]{5}$`)
	splitPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// JobKey identifies a job: one entity code and an optional split.
type JobKey struct {
	Code  string `json:"code"`
	Split string `json:"split,omitempty"`
}

// ParseJobKey validates code and split.
func ParseJobKey(code, split string) (JobKey, error) {
	code = strings.TrimSpace(code)
	split = strings.TrimSpace(split)
	if !codePattern.MatchString(code) {
		return JobKey{}, fmt.Errorf("invalid entity code %q", code)
	}
	if split != "" && !splitPattern.MatchString(split) {
		return JobKey{}, fmt.Errorf("invalid split %q", split)
	}
	return JobKey{Code: code, Split: split}, nil
}

// ID is the identifier used for event rooms and log fields.
func (k JobKey) ID() string {
	if k.Split == "" {
		return k.Code
	}
	return k.Code + "/" + k.Split
}

func (k JobKey) String() string {
	return k.ID()
}

// JobView is the read model returned to clients.
type JobView struct {
	Code        string        `json:"code"`
	Split       string        `json:"split,omitempty"`
	Status      Status        `json:"status"`
	Message     string        `json:"message"`
	Owner       *User         `json:"owner,omitempty"`
	Options     *Options      `json:"options,omitempty"`
	Report      Report        `json:"report,omitempty"`
	ReportLines []string      `json:"report_lines,omitempty"`
	Review      []FixmeRecord `json:"review,omitempty"`
	LogLines    int           `json:"log_lines"`
}
