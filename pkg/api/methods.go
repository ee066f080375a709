package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/Atomregen/startAmpelBLE/pkg/device"
	"github.com/Atomregen/startAmpelBLE/pkg/errors"
	"github.com/Atomregen/startAmpelBLE/pkg/protocol"
	"github.com/Atomregen/startAmpelBLE/pkg/schedule"
)

// JSON-RPC 2.0 structures

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
	ID      any           `json:"id,omitempty"`
}

type jsonRPCNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	// Type is the host error code, e.g. NOT_CONNECTED.
	Type string `json:"type,omitempty"`
}

const (
	rpcParseError     = -32700
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcServerError    = -32000
)

// callError carries the JSON-RPC code and HTTP status of a failed call.
type callError struct {
	rpc    int
	status int
	err    error
}

func (e *callError) Error() string { return e.err.Error() }
func (e *callError) Unwrap() error { return e.err }

func invalidParams(err error) error {
	return &callError{rpc: rpcInvalidParams, status: http.StatusBadRequest, err: err}
}

// classify maps an error to its JSON-RPC code and HTTP status.
func classify(err error) (int, int) {
	var ce *callError
	if stderrors.As(err, &ce) {
		return ce.rpc, ce.status
	}
	switch {
	case errors.Is(err, errors.ErrNotConnected):
		return rpcServerError, http.StatusConflict
	case errors.Is(err, errors.ErrNoSessionsFound):
		return rpcServerError, http.StatusNotFound
	case errors.Is(err, errors.ErrAPIUnreachable), errors.Is(err, errors.ErrAPIMalformed):
		return rpcServerError, http.StatusBadGateway
	case errors.Is(err, errors.ErrUnknownIntent), errors.Is(err, errors.ErrPayloadTooLarge):
		return rpcInvalidParams, http.StatusBadRequest
	case errors.IsLink(err):
		return rpcServerError, http.StatusServiceUnavailable
	}
	return rpcServerError, http.StatusInternalServerError
}

func rpcError(err error) *jsonRPCError {
	code, _ := classify(err)
	e := &jsonRPCError{Code: code, Message: err.Error()}
	var ce *callError
	if !stderrors.As(err, &ce) {
		e.Type = string(errors.CodeOf(err))
	}
	return e
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams(fmt.Errorf("invalid params: %w", err))
	}
	return nil
}

// dispatchMethod routes a method call to the appropriate handler.
func (s *Server) dispatchMethod(ctx context.Context, method string, params json.RawMessage, client *WSClient) (any, error) {
	if s.device == nil && method != "server.info" && method != "history.list" {
		return nil, errors.NotConnectedError(method)
	}
	switch method {
	case "server.info":
		return s.methodServerInfo()
	case "server.connection.identify":
		return s.methodIdentify(params, client)
	case "device.status":
		return s.device.Status(), nil
	case "device.connect":
		if err := s.device.Connect(ctx); err != nil {
			return nil, err
		}
		return s.device.Status(), nil
	case "device.disconnect":
		s.device.Disconnect()
		return s.device.Status(), nil
	case "device.command":
		return s.methodCommand(ctx, params)
	case "device.settings.refresh":
		return s.device.RefreshSettings(ctx)
	case "schedule.fetch":
		return s.methodFetch(ctx, params)
	case "schedule.get":
		return scheduleView(s.device.Schedule(), s.device.Status()), nil
	case "schedule.upload":
		var p struct {
			Force bool `json:"force"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return s.device.Upload(ctx, p.Force)
	case "schedule.sync":
		var p struct {
			IDs []string `json:"ids"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return s.device.Sync(ctx, p.IDs)
	case "schedule.trigger":
		return s.methodTrigger(ctx, params)
	case "history.list":
		return s.methodHistory(params)
	default:
		return nil, &callError{rpc: rpcMethodNotFound, status: http.StatusNotFound, err: fmt.Errorf("method not found: %s", method)}
	}
}

func (s *Server) methodServerInfo() (any, error) {
	hostname, _ := os.Hostname()
	info := map[string]any{
		"version":         s.version,
		"hostname":        hostname,
		"websocket_count": s.clientCount(),
		"uptime":          s.eventtime(),
		"history":         s.history != nil,
	}
	if s.device != nil {
		st := s.device.Status()
		info["profile"] = st.Profile
		info["state"] = st.State
		info["message"] = st.Message
	}
	return info, nil
}

func (s *Server) methodIdentify(params json.RawMessage, client *WSClient) (any, error) {
	if client == nil {
		return nil, invalidParams(fmt.Errorf("identify requires a WebSocket connection"))
	}
	var p struct {
		ClientName string `json:"client_name"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ClientName == "" {
		p.ClientName = "unknown"
	}
	s.log.WithField("client", client.id).Infof("client identified as %s", p.ClientName)
	return map[string]any{"connection_id": client.id}, nil
}

func (s *Server) methodCommand(ctx context.Context, params json.RawMessage) (any, error) {
	in, err := protocol.DecodeIntent(params)
	if err != nil {
		return nil, invalidParams(err)
	}
	if err := s.device.Send(ctx, in); err != nil {
		return nil, err
	}
	return map[string]any{"intent": in.Kind()}, nil
}

func (s *Server) methodFetch(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		IDs []string `json:"ids"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sched, err := s.device.Fetch(ctx, p.IDs)
	if err != nil {
		return nil, err
	}
	return scheduleView(sched, s.device.Status()), nil
}

func (s *Server) methodTrigger(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Index *int `json:"index"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Index == nil {
		return nil, invalidParams(fmt.Errorf("missing 'index' parameter"))
	}
	if err := s.device.TriggerSession(ctx, *p.Index); err != nil {
		return nil, err
	}
	return map[string]any{"index": *p.Index}, nil
}

func (s *Server) methodHistory(params json.RawMessage) (any, error) {
	var p struct {
		Limit int `json:"limit"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if s.history == nil {
		return map[string]any{"uploads": []any{}}, nil
	}
	uploads, err := s.history.Uploads(p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"uploads": uploads}, nil
}

// scheduleView is the schedule as the operator sees it.
func scheduleView(sched schedule.Schedule, st device.Status) map[string]any {
	sessions := sched.Sessions
	if sessions == nil {
		sessions = []schedule.Session{}
	}
	return map[string]any{
		"sessions": sessions,
		"built_at": sched.BuiltAt,
		"digest":   st.Schedule.Digest,
		"uploaded": st.Schedule.Uploaded,
		"next":     st.Schedule.Next,
		"started":  st.Schedule.Started,
	}
}

// limitQuery reads ?limit=N.
func limitQuery(r *http.Request) json.RawMessage {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return nil
	}
	b, _ := json.Marshal(map[string]int{"limit": n})
	return b
}

// maxBody bounds REST request bodies.
const maxBody = 512 * 1024

// rest adapts a dispatch method to an HTTP handler.
func (s *Server) rest(rt route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var params json.RawMessage
		switch {
		case rt.query != nil:
			params = rt.query(r)
		case r.Body != nil:
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
			if err != nil {
				writeJSONError(w, invalidParams(err))
				return
			}
			if len(body) > 0 {
				if !json.Valid(body) {
					writeJSONError(w, &callError{rpc: rpcParseError, status: http.StatusBadRequest, err: fmt.Errorf("parse error")})
					return
				}
				params = body
			}
		}

		result, err := s.dispatchMethod(r.Context(), rt.method, params, nil)
		if err != nil {
			s.log.WithError(err).WithField("method", rt.method).Debug("request failed")
			writeJSONError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"result": result})
	}
}

// JSON response helpers

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, err error) {
	_, status := classify(err)
	e := rpcError(err)
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": e.Message,
			"type":    e.Type,
		},
	})
}
