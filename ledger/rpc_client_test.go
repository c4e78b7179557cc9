package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/custody/audit"
)

func newTestNode(t *testing.T) (*Memory, *RPCClient) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	mem := NewMemory()
	srv := httptest.NewServer(NewHandler(mem, log))
	t.Cleanup(srv.Close)

	client, err := NewRPCClient(RPCConfig{Endpoint: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return mem, client
}

func TestRPCClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	mem, client := newTestNode(t)

	receipt, err := client.Submit(ctx, audit.ActionCommitRecord, Args{RecordRef: record}, owner)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), receipt.BlockNumber)
	assert.True(t, strings.HasPrefix(receipt.TxHash, "0x"))

	_, err = client.Submit(ctx, audit.ActionGrantAccess, Args{RecordRef: record, Grantee: doctor}, owner)
	require.NoError(t, err)
	assert.Equal(t, 2, mem.Len())

	events, err := client.GetEvents(ctx, record)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, receipt.AuditID, events[0].AuditID)
	assert.Equal(t, "ACCESS_GRANTED", events[1].Action)
	assert.Equal(t, doctor, events[1].Grantee)

	access, err := client.AccessInfo(ctx, owner, doctor, record)
	require.NoError(t, err)
	assert.True(t, access.HasAccess)
	assert.Nil(t, access.Expiry)

	none, err := client.GetEvents(ctx, "0xdead")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRPCClientInvalidArgs(t *testing.T) {
	_, client := newTestNode(t)

	_, err := client.Submit(context.Background(), audit.ActionGrantAccess, Args{RecordRef: record}, owner)
	assert.ErrorIs(t, err, ErrInvalidArgs)
}

func TestRPCClientNodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &RPCError{Code: -32000, Message: "execution reverted"},
		})
	}))
	defer srv.Close()

	client, err := NewRPCClient(RPCConfig{Endpoint: srv.URL})
	require.NoError(t, err)

	_, err = client.GetEvents(context.Background(), record)
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32000, rpcErr.Code)
	assert.False(t, errors.Is(err, audit.ErrSourceUnavailable))
}

func TestRPCClientUnavailable(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"ServerError", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}},
		{"NotJSON", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>maintenance</html>"))
		}},
		{"WrongID", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: 9999, Result: json.RawMessage(`[]`)})
		}},
		{"Slow", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			client, err := NewRPCClient(RPCConfig{Endpoint: srv.URL, Timeout: 100 * time.Millisecond})
			require.NoError(t, err)

			_, err = client.GetEvents(context.Background(), record)
			assert.ErrorIs(t, err, audit.ErrSourceUnavailable)
		})
	}

	client, err := NewRPCClient(RPCConfig{Endpoint: "http://127.0.0.1:1"})
	require.NoError(t, err)
	_, err = client.GetEvents(context.Background(), record)
	assert.ErrorIs(t, err, audit.ErrSourceUnavailable)
}

func TestRPCClientRateLimit(t *testing.T) {
	_, client := newTestNode(t)
	limited, err := NewRPCClient(RPCConfig{Endpoint: client.endpoint, Rate: 0.001, Burst: 1, Timeout: 200 * time.Millisecond})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = limited.GetEvents(ctx, record)
	require.NoError(t, err)

	// the single token is spent and the next one is far beyond the timeout
	_, err = limited.GetEvents(ctx, record)
	assert.ErrorIs(t, err, audit.ErrSourceUnavailable)
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	h := NewHandler(NewMemory(), log)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"ParseError", `{not json`, codeParseError},
		{"InvalidRequest", `{"jsonrpc":"1.0","id":1,"method":"custody_submit"}`, codeInvalidRequest},
		{"UnknownMethod", `{"jsonrpc":"2.0","id":1,"method":"eth_call","params":[]}`, codeMethodNotFound},
		{"MissingParams", `{"jsonrpc":"2.0","id":1,"method":"custody_getAuditTrail","params":[]}`, codeInvalidParams},
		{"UnknownAction", `{"jsonrpc":"2.0","id":1,"method":"custody_submit","params":[{"action":"SHRED","recordHash":"0x01","signer":"0x02"}]}`, codeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body)))
			require.Equal(t, http.StatusOK, rec.Code)

			var resp rpcResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestNewRPCClientRequiresEndpoint(t *testing.T) {
	_, err := NewRPCClient(RPCConfig{})
	assert.Error(t, err)
}
