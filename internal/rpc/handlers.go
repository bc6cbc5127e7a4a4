package rpc

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/klingon-exchange/ankh/internal/link"
	"github.com/klingon-exchange/ankh/internal/node"
	"github.com/klingon-exchange/ankh/internal/primary"
	"github.com/klingon-exchange/ankh/internal/storage"
)

// Version of the daemon.
const Version = "0.1.0-dev"

const (
	defaultOperationsLimit = 50
	maxOperationsLimit     = 500
)

func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return invalidParams("missing params")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams("invalid params: %v", err)
	}
	return nil
}

// ========================================
// Node handlers
// ========================================

// NodeInfoResult is the response for node_info.
type NodeInfoResult struct {
	node.Info
	Version   string `json:"version"`
	WSClients int    `json:"ws_clients"`
}

func (s *Server) nodeInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return &NodeInfoResult{
		Info:      s.backend.Info(),
		Version:   Version,
		WSClients: s.wsHub.ClientCount(),
	}, nil
}

// ========================================
// Session handlers
// ========================================

type sessionParams struct {
	SessionID string `json:"session_id"`
}

func (s *Server) session(params json.RawMessage) (*link.Session, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, invalidParams("session_id is required")
	}
	return s.backend.Manager().Get(p.SessionID)
}

func (s *Server) linkOpen(ctx context.Context, params json.RawMessage) (interface{}, error) {
	sess := s.backend.Manager().Open()
	st := sess.Status()
	return &st, nil
}

type connectParams struct {
	SessionID string `json:"session_id"`
	Address   string `json:"address"`
	ChainID   string `json:"chain_id,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

// linkConnect links the primary account the caller's wallet reported.
// Silent mode surfaces a missing address as a quiet disconnect.
func (s *Server) linkConnect(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p connectParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, invalidParams("session_id is required")
	}
	mode, err := primary.ParseConnectMode(p.Mode)
	if err != nil {
		return nil, invalidParams("%v", err)
	}
	sess, err := s.backend.Manager().Get(p.SessionID)
	if err != nil {
		return nil, err
	}

	chainID := p.ChainID
	if chainID == "" {
		chainID = s.backend.Info().PrimaryChainID
	}
	st, err := sess.Connect(ctx, primary.NewStaticConnector(p.Address, chainID), mode)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Server) linkDisconnect(ctx context.Context, params json.RawMessage) (interface{}, error) {
	sess, err := s.session(params)
	if err != nil {
		return nil, err
	}
	sess.Disconnect()
	st := sess.Status()
	return &st, nil
}

func (s *Server) linkClose(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.backend.Manager().Close(p.SessionID); err != nil {
		return nil, err
	}
	return map[string]string{"status": "closed"}, nil
}

func (s *Server) linkStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	sess, err := s.session(params)
	if err != nil {
		return nil, err
	}
	st := sess.Status()
	return &st, nil
}

// LinkListResult is the response for link_list.
type LinkListResult struct {
	Sessions []link.Status `json:"sessions"`
	Count    int           `json:"count"`
}

func (s *Server) linkList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	sessions := s.backend.Manager().List()
	return &LinkListResult{Sessions: sessions, Count: len(sessions)}, nil
}

// ========================================
// Transfer handlers
// ========================================

type transferParams struct {
	SessionID string `json:"session_id"`
	Recipient string `json:"recipient"`
	Value     string `json:"value"`
	Data      string `json:"data"`
}

func (s *Server) linkSubmitTransfer(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p transferParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := s.backend.Manager().Get(p.SessionID)
	if err != nil {
		return nil, err
	}
	return sess.SubmitTransfer(ctx, link.TransferRequest{
		Recipient: p.Recipient,
		Value:     p.Value,
		Data:      p.Data,
	})
}

// BalanceResult is the response for link_refreshBalance.
type BalanceResult struct {
	Balance   string    `json:"balance"`
	Display   string    `json:"display,omitempty"`
	Symbol    string    `json:"symbol,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) linkRefreshBalance(ctx context.Context, params json.RawMessage) (interface{}, error) {
	sess, err := s.session(params)
	if err != nil {
		return nil, err
	}
	if _, err := sess.RefreshBalance(ctx); err != nil {
		return nil, err
	}
	st := sess.Status()
	res := &BalanceResult{
		Balance: st.Balance,
		Display: st.BalanceDisplay,
		Symbol:  st.Symbol,
	}
	if st.BalanceUpdatedAt != nil {
		res.UpdatedAt = *st.BalanceUpdatedAt
	}
	return res, nil
}

type checkParams struct {
	SessionID string `json:"session_id"`
	Handle    string `json:"handle"`
}

func (s *Server) linkCheckOperation(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p checkParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Handle == "" {
		return nil, invalidParams("handle is required")
	}
	sess, err := s.backend.Manager().Get(p.SessionID)
	if err != nil {
		return nil, err
	}
	return sess.CheckOperation(ctx, p.Handle)
}

// ========================================
// Journal handlers
// ========================================

type operationsParams struct {
	Sender string `json:"sender,omitempty"`
	State  string `json:"state,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// OperationRecord is a journaled transfer.
type OperationRecord struct {
	ID             string                 `json:"id"`
	SessionID      string                 `json:"session_id"`
	PrimaryAddress string                 `json:"primary_address"`
	Sender         string                 `json:"sender"`
	Recipient      string                 `json:"recipient"`
	Value          string                 `json:"value"`
	Data           string                 `json:"data,omitempty"`
	Handle         string                 `json:"handle,omitempty"`
	State          storage.OperationState `json:"state"`
	Success        *bool                  `json:"success,omitempty"`
	Reason         string                 `json:"reason,omitempty"`
	TxHash         string                 `json:"tx_hash,omitempty"`
	Error          *link.ErrorInfo        `json:"error,omitempty"`
	CreatedAt      int64                  `json:"created_at"`
	UpdatedAt      int64                  `json:"updated_at"`
}

// OperationsResult is the response for link_operations.
type OperationsResult struct {
	Operations []OperationRecord `json:"operations"`
	Count      int               `json:"count"`
}

var journalStates = map[storage.OperationState]bool{
	storage.OperationSubmitting:    true,
	storage.OperationAwaiting:      true,
	storage.OperationConfirmed:     true,
	storage.OperationFailed:        true,
	storage.OperationTimedOut:      true,
	storage.OperationIndeterminate: true,
}

func (s *Server) linkOperations(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p operationsParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams("invalid params: %v", err)
		}
	}

	filter := storage.OperationFilter{Sender: p.Sender, Limit: p.Limit}
	if filter.Limit <= 0 {
		filter.Limit = defaultOperationsLimit
	}
	if filter.Limit > maxOperationsLimit {
		filter.Limit = maxOperationsLimit
	}
	if p.State != "" {
		st := storage.OperationState(strings.ToLower(p.State))
		if !journalStates[st] {
			return nil, invalidParams("unknown state %q", p.State)
		}
		filter.States = []storage.OperationState{st}
	}

	ops, err := s.backend.Storage().ListOperations(filter)
	if err != nil {
		return nil, err
	}

	out := make([]OperationRecord, 0, len(ops))
	for _, op := range ops {
		out = append(out, operationToRecord(op))
	}
	return &OperationsResult{Operations: out, Count: len(out)}, nil
}

func operationToRecord(op *storage.Operation) OperationRecord {
	rec := OperationRecord{
		ID:             op.ID,
		SessionID:      op.SessionID,
		PrimaryAddress: op.PrimaryAddress,
		Sender:         op.Sender,
		Recipient:      op.Recipient,
		Value:          op.Value,
		Data:           op.Data,
		Handle:         op.Handle,
		State:          op.State,
		Success:        op.Success,
		Reason:         op.Reason,
		TxHash:         op.TxHash,
		CreatedAt:      op.CreatedAt.Unix(),
		UpdatedAt:      op.UpdatedAt.Unix(),
	}
	if op.ErrorKind != "" {
		rec.Error = &link.ErrorInfo{
			Stage:   link.Stage(op.ErrorStage),
			Kind:    link.Kind(op.ErrorKind),
			Message: op.ErrorMessage,
		}
	}
	return rec
}
