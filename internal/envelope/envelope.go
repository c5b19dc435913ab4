// Package envelope implements the Response Shaper: the uniform
// success/error envelope every tool call returns, grounded on
// svrerr's ServerError-as-tagged-variant idiom but generalized into the
// Ok/Err shape the tool dispatch contract requires. Internally engines
// never produce the serialized form; they hand back a *svrerr.ServerError or
// a plain value and this package is the only place that shapes either into
// the wire envelope.
package envelope

import "github.com/graphmcp/server/internal/svrerr"

// Envelope is the tagged-variant response every tool call produces.
type Envelope struct {
	OK               bool           `json:"ok"`
	Data             any            `json:"data,omitempty"`
	Summary          string         `json:"summary,omitempty"`
	Tool             string         `json:"tool,omitempty"`
	ContractWarnings []string       `json:"contractWarnings,omitempty"`
	Error            *ErrorPayload  `json:"error,omitempty"`
}

// ErrorPayload is the body of an error envelope.
type ErrorPayload struct {
	Code        string `json:"code"`
	Reason      string `json:"reason"`
	Recoverable bool   `json:"recoverable"`
	Hint        string `json:"hint,omitempty"`
}

// Ok builds a success envelope.
func Ok(tool string, data any, summary string) *Envelope {
	return &Envelope{OK: true, Tool: tool, Data: data, Summary: summary}
}

// Err builds an error envelope from a *ServerError.
func Err(se *svrerr.ServerError) *Envelope {
	return &Envelope{OK: false, Error: &ErrorPayload{
		Code:        se.Code,
		Reason:      se.Reason,
		Recoverable: se.Recoverable,
		Hint:        se.Hint,
	}}
}

// ErrCode builds an error envelope directly from a code/reason pair, used by
// the dispatch core for TOOL_NOT_FOUND where no engine produced the error.
func ErrCode(code, reason string, recoverable bool) *Envelope {
	return Err(&svrerr.ServerError{Code: code, Reason: reason, Recoverable: recoverable})
}

// WithWarnings returns env with ContractWarnings attached, as step 4 of the
// dispatch pipeline requires: warnings are appended only to
// envelopes the handler itself produced, and only when non-empty.
func (e *Envelope) WithWarnings(warnings []string) *Envelope {
	if e == nil || !e.OK || len(warnings) == 0 {
		return e
	}
	e.ContractWarnings = append(e.ContractWarnings, warnings...)
	return e
}
