package dapserver

import (
	dap "github.com/google/go-dap"
	"github.com/pkg/errors"
	"github.com/viewizard/dncdbg-go/internal/errkind"
)

func newEvent(event string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "event",
		},
		Event: event,
	}
}

func newResponse(msg dap.RequestMessage) dap.Response {
	req := msg.GetRequest()
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "response",
		},
		Command:    req.Command,
		RequestSeq: req.Seq,
		Success:    true,
	}
}

// Stable numeric ids for the error categories the session reports, so
// front-ends can match on id rather than parse the message.
var errorIDs = map[errkind.Kind]int{
	errkind.InvalidArgument: 1001,
	errkind.NotAttached:     1002,
	errkind.EvalInProgress:  1003,
	errkind.ProcessStopped:  1004,
	errkind.ProcessRunning:  1005,
	errkind.RuntimeError:    1006,
	errkind.SymbolMissing:   1007,
	errkind.ResolveFailure:  1008,
	errkind.Cancelled:       1009,
	errkind.Timeout:         1010,
	errkind.AlreadyInit:     1011,
}

const errorIDUnknown = 1000

func newErrorResponse(msg dap.RequestMessage, err error) *dap.ErrorResponse {
	resp := &dap.ErrorResponse{
		Response: newResponse(msg),
	}
	resp.Success = false
	resp.Message = err.Error()

	id := errorIDUnknown
	var ke *errkind.Error
	if errors.As(err, &ke) {
		if mapped, ok := errorIDs[ke.Kind]; ok {
			id = mapped
		}
	}
	resp.Body.Error.Id = id
	resp.Body.Error.Format = err.Error()
	resp.Body.Error.ShowUser = true
	return resp
}
