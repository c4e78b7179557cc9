package ledger

import (
	"encoding/json"
	"fmt"
)

const (
	methodGetAuditTrail = "custody_getAuditTrail"
	methodSubmit        = "custody_submit"
	methodAccessInfo    = "custody_accessInfo"
)

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      uint64            `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is an error object returned by the ledger node
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("ledger rpc error %d: %s", e.Code, e.Message)
}

// JSON-RPC 2.0 error codes
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// submitParams is the wire form of a submission
type submitParams struct {
	Action     string `json:"action"`
	RecordHash string `json:"recordHash"`
	Owner      string `json:"owner,omitempty"`
	Grantee    string `json:"grantee,omitempty"`
	Expiry     int64  `json:"expiry,omitempty"` // seconds
	Metadata   string `json:"metadata,omitempty"`
	Signer     string `json:"signer"`
}

type accessParams struct {
	Owner      string `json:"owner"`
	Grantee    string `json:"grantee"`
	RecordHash string `json:"recordHash"`
}
