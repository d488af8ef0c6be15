package relay

import (
	"github.com/prompted/csvrelay/internal/csvdata"
)

// Status is the outcome carried by a Reply.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Reply acknowledges one relay message. Failed replies always carry a Code.
// A save of an already-stored code succeeds with CodeDuplicateEntry.
type Reply struct {
	Status    Status                `json:"status"`
	Message   string                `json:"message"`
	Code      csvdata.Code          `json:"code,omitempty"`
	Published int                   `json:"published,omitempty"`
	Failed    int                   `json:"failed,omitempty"`
	Result    *csvdata.IngestResult `json:"result,omitempty"`
}

// OK reports whether the message was handled successfully.
func (r Reply) OK() bool {
	return r.Status == StatusSuccess
}

func success(msg string) Reply {
	return Reply{Status: StatusSuccess, Message: msg}
}

func failure(code csvdata.Code, msg string) Reply {
	return Reply{Status: StatusError, Code: code, Message: msg}
}

func failureFromError(msg string, err error) Reply {
	return failure(csvdata.CodeOf(err), msg+": "+err.Error())
}
