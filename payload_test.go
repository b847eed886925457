package mcp_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MegaGrindStone/go-mcp-mux"
)

func TestMustString_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    mcp.MustString
		wantErr bool
	}{
		{name: "string input", input: `"test123"`, want: "test123"},
		{name: "integer input", input: `42`, want: "42"},
		{name: "float input", input: `42.0`, want: "42"},
		{name: "fractional input", input: `1.5`, want: "1.5"},
		{name: "negative input", input: `-7`, want: "-7"},
		{name: "large integer input", input: `1e21`, want: "1000000000000000000000"},
		{name: "null input", input: `null`, want: ""},
		{name: "invalid type", input: `{"key": "value"}`, wantErr: true},
		{name: "invalid JSON", input: `invalid`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got mcp.MustString
			err := json.Unmarshal([]byte(tt.input), &got)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestMustString_MarshalJSON(t *testing.T) {
	got, err := json.Marshal(mcp.MustString("42"))
	require.NoError(t, err)
	require.JSONEq(t, `"42"`, string(got))
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, p mcp.Payload)
	}{
		{
			name:  "request",
			input: `{"jsonrpc":"2.0","id":"1","method":"add","params":{"a":5,"b":3}}`,
			check: func(t *testing.T, p mcp.Payload) {
				req, ok := p.(*mcp.Request)
				require.True(t, ok)
				require.Equal(t, mcp.KindRequest, p.Kind())
				require.Equal(t, mcp.MustString("1"), req.ID)
				require.Equal(t, "add", req.Method)
				require.JSONEq(t, `{"a":5,"b":3}`, string(req.Params))
			},
		},
		{
			name:  "request with numeric id",
			input: `{"jsonrpc":"2.0","id":7,"method":"ping"}`,
			check: func(t *testing.T, p mcp.Payload) {
				req, ok := p.(*mcp.Request)
				require.True(t, ok)
				require.Equal(t, mcp.MustString("7"), req.ID)
			},
		},
		{
			name:  "notification",
			input: `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			check: func(t *testing.T, p mcp.Payload) {
				n, ok := p.(*mcp.Notification)
				require.True(t, ok)
				require.Equal(t, mcp.KindNotification, p.Kind())
				require.Equal(t, "notifications/initialized", n.Method)
			},
		},
		{
			name:  "result",
			input: `{"jsonrpc":"2.0","id":"1","result":{"total":8}}`,
			check: func(t *testing.T, p mcp.Payload) {
				res, ok := p.(*mcp.Result)
				require.True(t, ok)
				require.Equal(t, mcp.KindResult, p.Kind())

				var v struct {
					Total float64 `json:"total"`
				}
				require.NoError(t, res.Decode(&v))
				require.InDelta(t, 8, v.Total, 0)
			},
		},
		{
			name:  "error",
			input: `{"jsonrpc":"2.0","id":"1","error":{"code":-32601,"message":"method not found"}}`,
			check: func(t *testing.T, p mcp.Payload) {
				perr, ok := p.(*mcp.Error)
				require.True(t, ok)
				require.Equal(t, mcp.KindError, p.Kind())
				require.Equal(t, mcp.CodeMethodNotFound, perr.Code)
				require.Equal(t, "method not found", perr.Message)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := mcp.DecodePayload([]byte(tt.input))
			require.NoError(t, err)
			tt.check(t, p)
		})
	}
}

func TestDecodePayloadInvalid(t *testing.T) {
	inputs := map[string]string{
		"not json":        `not json`,
		"wrong version":   `{"jsonrpc":"1.0","id":"1","method":"ping"}`,
		"missing version": `{"id":"1","method":"ping"}`,
		"no method or id": `{"jsonrpc":"2.0","result":{}}`,
		"array":           `[{"jsonrpc":"2.0","method":"ping"}]`,
	}
	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := mcp.DecodePayload([]byte(input))
			require.ErrorIs(t, err, mcp.ErrInvalidPayload)
		})
	}
}

func TestEncodePayload(t *testing.T) {
	req, err := mcp.NewRequest("add", map[string]int{"a": 1, "b": 2})
	require.NoError(t, err)

	bs, err := mcp.EncodePayload(req)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(bs, &wire))
	require.Equal(t, "2.0", wire["jsonrpc"])
	require.Equal(t, string(req.ID), wire["id"])
	require.Equal(t, "add", wire["method"])

	decoded, err := mcp.DecodePayload(bs)
	require.NoError(t, err)
	require.Equal(t, req, decoded)

	// A success response always carries the result member.
	bs, err = mcp.EncodePayload(&mcp.Result{ID: "9"})
	require.NoError(t, err)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":"9","result":null}`, string(bs))

	_, err = mcp.EncodePayload(nil)
	require.ErrorIs(t, err, mcp.ErrInvalidPayload)
}

func TestNewRequestUniqueIDs(t *testing.T) {
	seen := make(map[mcp.MustString]bool)
	for range 100 {
		req, err := mcp.NewRequest("ping", nil)
		require.NoError(t, err)
		require.Nil(t, req.Params)
		require.False(t, seen[req.ID])
		seen[req.ID] = true
	}
}

func TestErrorPayloadIsError(t *testing.T) {
	var err error = mcp.NewError("3", mcp.CodeInvalidParams, "invalid params")

	var perr *mcp.Error
	require.True(t, errors.As(err, &perr))
	require.Equal(t, mcp.CodeInvalidParams, perr.Code)
	require.Contains(t, err.Error(), "invalid params")
}
