// ABOUTME: JSON-RPC 2.0 envelope types shared by the dispatcher and upstream sessions.
// ABOUTME: Defines the closed set of router error kinds and their numeric wire codes.

package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the only protocol version this router speaks.
const Version = "2.0"

// Request represents a JSON-RPC 2.0 request envelope. ID is kept raw so
// string and numeric ids round-trip unchanged.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response envelope. Result is kept raw
// so upstream results are forwarded verbatim.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the JSON-RPC 2.0 error member.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request with the given id, marshaling params.
// A nil params leaves the member absent.
func NewRequest(id json.RawMessage, method string, params any) (Request, error) {
	req := Request{JSONRPC: Version, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Request{}, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		req.Params = raw
	}
	return req, nil
}

// ResultResponse builds a success response, marshaling the result value.
func ResultResponse(id json.RawMessage, result any) Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return ErrorResponse(id, KindInternal, "failed to encode result", nil)
	}
	return Response{JSONRPC: Version, ID: id, Result: raw}
}

// RawResponse builds a success response around an already-encoded result.
func RawResponse(id, result json.RawMessage) Response {
	return Response{JSONRPC: Version, ID: id, Result: result}
}

// ErrorResponse builds an error response for the given kind.
func ErrorResponse(id json.RawMessage, kind ErrorKind, message string, data any) Response {
	return Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &ErrorObject{Code: kind.Code(), Message: message, Data: data},
	}
}

// ErrorKind enumerates every error the router can return. The set is
// closed so callers can match on codes instead of message strings.
type ErrorKind int

const (
	KindParseError ErrorKind = iota
	KindInvalidRequest
	KindMethodNotFound
	KindInvalidParams
	KindInternal
	KindQuotaRequired
	KindNoSubscription
	KindSubscriptionExpired
	KindQuotaExceeded
	KindConcurrencyExceeded
	KindUpstreamUnavailable
	KindUpstreamTimeout
	KindUpstreamCrashed
)

// Code returns the stable numeric JSON-RPC code for the kind.
func (k ErrorKind) Code() int {
	switch k {
	case KindParseError:
		return -32700
	case KindInvalidRequest:
		return -32600
	case KindMethodNotFound:
		return -32601
	case KindInvalidParams:
		return -32602
	case KindInternal:
		return -32603
	case KindQuotaRequired:
		return -32000
	case KindNoSubscription:
		return -32001
	case KindSubscriptionExpired:
		return -32002
	case KindQuotaExceeded:
		return -32003
	case KindConcurrencyExceeded:
		return -32004
	case KindUpstreamUnavailable:
		return -32010
	case KindUpstreamTimeout:
		return -32011
	case KindUpstreamCrashed:
		return -32012
	default:
		return -32603
	}
}

func (k ErrorKind) String() string {
	switch k {
	case KindParseError:
		return "parse_error"
	case KindInvalidRequest:
		return "invalid_request"
	case KindMethodNotFound:
		return "method_not_found"
	case KindInvalidParams:
		return "invalid_params"
	case KindInternal:
		return "internal"
	case KindQuotaRequired:
		return "quota_required"
	case KindNoSubscription:
		return "no_subscription"
	case KindSubscriptionExpired:
		return "subscription_expired"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindConcurrencyExceeded:
		return "concurrency_exceeded"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindUpstreamTimeout:
		return "upstream_timeout"
	case KindUpstreamCrashed:
		return "upstream_crashed"
	default:
		return "unknown"
	}
}

// IsNotification reports whether the request carries no id and therefore
// expects no response.
func (r Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}
