package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is written into every request frame.
const ProtocolVersion = "2.0"

// Request is an outgoing frame.
type Request struct {
	Version string `json:"v"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is an incoming frame. Exactly one of Result and Error is set.
type Response struct {
	Version string          `json:"v,omitempty"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

var jsonNull = []byte("null")

// encodeRequest renders req as a single newline-terminated line.
func encodeRequest(req *Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return append(data, '\n'), nil
}

// decodeResponse parses one line into a Response.
//
// The version field is not checked so that workers emitting "jsonrpc" instead
// of "v" are still understood. A frame must carry a numeric id and either a
// result member (which may be null) or a non-null error member.
func decodeResponse(line []byte) (*Response, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolParse, err)
	}

	rawID, ok := fields["id"]
	if !ok || bytes.Equal(rawID, jsonNull) {
		return nil, fmt.Errorf("%w: missing id", ErrProtocolParse)
	}

	resp := &Response{}
	if err := json.Unmarshal(rawID, &resp.ID); err != nil {
		return nil, fmt.Errorf("%w: invalid id %s", ErrProtocolParse, rawID)
	}

	if v, ok := fields["v"]; ok {
		_ = json.Unmarshal(v, &resp.Version)
	}

	if rawErr, ok := fields["error"]; ok && !bytes.Equal(rawErr, jsonNull) {
		var rpcErr RPCError
		if err := json.Unmarshal(rawErr, &rpcErr); err != nil {
			return nil, fmt.Errorf("%w: invalid error member: %v", ErrProtocolParse, err)
		}
		resp.Error = &rpcErr
		return resp, nil
	}

	rawResult, ok := fields["result"]
	if !ok {
		return nil, fmt.Errorf("%w: neither result nor error", ErrProtocolParse)
	}
	resp.Result = rawResult
	return resp, nil
}
