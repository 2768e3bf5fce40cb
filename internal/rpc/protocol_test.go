package rpc

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRequest(t *testing.T) {
	line, err := encodeRequest(&Request{Version: ProtocolVersion, ID: 3, Method: "echo", Params: map[string]int{"a": 1}})
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(string(line), "\n"))
	assert.Equal(t, 1, strings.Count(string(line), "\n"), "a frame is exactly one line")
	assert.JSONEq(t, `{"v":"2.0","id":3,"method":"echo","params":{"a":1}}`, strings.TrimSpace(string(line)))
}

func TestEncodeRequest_OmitsNilParams(t *testing.T) {
	line, err := encodeRequest(&Request{Version: ProtocolVersion, ID: 1, Method: "ping"})
	require.NoError(t, err)
	assert.NotContains(t, string(line), "params")
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name       string
		line       string
		wantID     int64
		wantResult string
		wantCode   int
		wantErr    bool
	}{
		{name: "result", line: `{"v":"2.0","id":4,"result":{"ok":true}}`, wantID: 4, wantResult: `{"ok":true}`},
		{name: "null result", line: `{"v":"2.0","id":5,"result":null}`, wantID: 5, wantResult: `null`},
		{name: "jsonrpc key", line: `{"jsonrpc":"2.0","id":6,"result":"pong"}`, wantID: 6, wantResult: `"pong"`},
		{name: "error", line: `{"v":"2.0","id":7,"error":{"code":-32603,"message":"boom"}}`, wantID: 7, wantCode: -32603},
		{name: "null error falls back to result", line: `{"id":8,"error":null,"result":1}`, wantID: 8, wantResult: `1`},
		{name: "not json", line: `garbage`, wantErr: true},
		{name: "array", line: `[1,2]`, wantErr: true},
		{name: "missing id", line: `{"result":1}`, wantErr: true},
		{name: "null id", line: `{"id":null,"result":1}`, wantErr: true},
		{name: "string id", line: `{"id":"1","result":1}`, wantErr: true},
		{name: "no payload", line: `{"id":1}`, wantErr: true},
		{name: "bad error member", line: `{"id":1,"error":"oops"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := decodeResponse([]byte(tt.line))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrProtocolParse))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, resp.ID)
			if tt.wantCode != 0 {
				require.NotNil(t, resp.Error)
				assert.Equal(t, tt.wantCode, resp.Error.Code)
				return
			}
			assert.Nil(t, resp.Error)
			assert.JSONEq(t, tt.wantResult, string(resp.Result))
		})
	}
}

func TestRPCError_Error(t *testing.T) {
	assert.Equal(t, "rpc error -32601: Method not found", (&RPCError{Code: -32601, Message: "Method not found"}).Error())
	assert.Contains(t, (&RPCError{Code: 1, Message: "m", Data: "d"}).Error(), "data: d")
}
