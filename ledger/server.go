package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"southwinds.dev/custody/audit"
)

const maxRequestBytes = 1 << 20

// Handler exposes a Ledger over the same JSON-RPC methods RPCClient calls.
// It lets a development node run on top of Memory.
type Handler struct {
	ledger Ledger
	log    *logrus.Logger
}

func NewHandler(l Ledger, log *logrus.Logger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{ledger: l, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
		h.reply(w, rpcResponse{Error: &RPCError{Code: codeParseError, Message: "parse error"}})
		return
	}
	resp := rpcResponse{ID: req.ID}
	if req.JSONRPC != "2.0" || req.Method == "" {
		resp.Error = &RPCError{Code: codeInvalidRequest, Message: "invalid request"}
		h.reply(w, resp)
		return
	}

	result, rpcErr := h.dispatch(r, req)
	if rpcErr != nil {
		h.log.WithFields(logrus.Fields{"method": req.Method, "code": rpcErr.Code}).Debug(rpcErr.Message)
		resp.Error = rpcErr
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = &RPCError{Code: codeInternalError, Message: err.Error()}
		} else {
			resp.Result = raw
		}
	}
	h.reply(w, resp)
}

func (h *Handler) dispatch(r *http.Request, req rpcRequest) (interface{}, *RPCError) {
	ctx := r.Context()
	switch req.Method {
	case methodGetAuditTrail:
		var ref string
		if err := decodeParam(req.Params, &ref); err != nil {
			return nil, err
		}
		events, err := h.ledger.GetEvents(ctx, ref)
		if err != nil {
			return nil, internalError(err)
		}
		if events == nil {
			events = []audit.LedgerEvent{}
		}
		return events, nil

	case methodSubmit:
		var p submitParams
		if err := decodeParam(req.Params, &p); err != nil {
			return nil, err
		}
		action, ok := audit.ParseAction(p.Action)
		if !ok {
			return nil, &RPCError{Code: codeInvalidParams, Message: fmt.Sprintf("unknown action %q", p.Action)}
		}
		args := Args{RecordRef: p.RecordHash, Owner: p.Owner, Grantee: p.Grantee, Metadata: p.Metadata}
		if p.Expiry > 0 {
			args.Expiry = time.Unix(p.Expiry, 0).UTC()
		}
		receipt, err := h.ledger.Submit(ctx, action, args, p.Signer)
		if err != nil {
			if errors.Is(err, ErrInvalidArgs) {
				return nil, &RPCError{Code: codeInvalidParams, Message: err.Error()}
			}
			return nil, internalError(err)
		}
		h.log.WithFields(logrus.Fields{
			"action":       action,
			"record_ref":   audit.NormalizeRecordRef(p.RecordHash),
			"block_number": receipt.BlockNumber,
		}).Info("ledger event submitted")
		return receipt, nil

	case methodAccessInfo:
		var p accessParams
		if err := decodeParam(req.Params, &p); err != nil {
			return nil, err
		}
		access, err := h.ledger.AccessInfo(ctx, p.Owner, p.Grantee, p.RecordHash)
		if err != nil {
			return nil, internalError(err)
		}
		return access, nil

	default:
		return nil, &RPCError{Code: codeMethodNotFound, Message: fmt.Sprintf("method %s not found", req.Method)}
	}
}

func (h *Handler) reply(w http.ResponseWriter, resp rpcResponse) {
	resp.JSONRPC = "2.0"
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.WithError(err).Warn("failed to write ledger rpc response")
	}
}

func decodeParam(params []json.RawMessage, target interface{}) *RPCError {
	if len(params) != 1 {
		return &RPCError{Code: codeInvalidParams, Message: fmt.Sprintf("expected 1 param, got %d", len(params))}
	}
	if err := json.Unmarshal(params[0], target); err != nil {
		return &RPCError{Code: codeInvalidParams, Message: err.Error()}
	}
	return nil
}

func internalError(err error) *RPCError {
	return &RPCError{Code: codeInternalError, Message: err.Error()}
}
