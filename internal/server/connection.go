package server

import (
	"fmt"
	"net/http"

	"pledgechain/internal/chain"
)

type connectorRequest struct {
	Connector string `json:"connector"`
}

type switchChainRequest struct {
	ChainID uint64 `json:"chainId"`
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Wallet.State())
}

// handleConnect blocks until the wallet approves. Without a connector it
// waits for a choice made through the picker endpoints.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectorRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	kind, err := chain.ParseConnectorKind(req.Connector)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	state, err := s.deps.Wallet.Connect(r.Context(), kind)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Wallet.Disconnect())
}

func (s *Server) handleSwitchChain(w http.ResponseWriter, r *http.Request) {
	var req switchChainRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ChainID == 0 {
		s.writeError(w, r, fmt.Errorf("%w: chainId is required", errBadRequest))
		return
	}
	state, err := s.deps.Wallet.SwitchChain(r.Context(), req.ChainID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleNetworks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Wallet.Networks())
}

// pickerResponse is the picker state with the application the wallet is
// asked to approve.
type pickerResponse struct {
	chain.PickerState
	App chain.Metadata `json:"app"`
}

func (s *Server) handlePicker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pickerResponse{PickerState: s.deps.Picker.State(), App: s.deps.Wallet.Metadata()})
}

func (s *Server) handlePickerOpen(w http.ResponseWriter, r *http.Request) {
	s.deps.Picker.Open()
	writeJSON(w, http.StatusOK, s.deps.Picker.State())
}

func (s *Server) handlePickerClose(w http.ResponseWriter, r *http.Request) {
	s.deps.Picker.Close()
	writeJSON(w, http.StatusOK, s.deps.Picker.State())
}

func (s *Server) handlePickerSelect(w http.ResponseWriter, r *http.Request) {
	var req connectorRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	kind, err := chain.ParseConnectorKind(req.Connector)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if kind == "" {
		s.writeError(w, r, fmt.Errorf("%w: connector is required", errBadRequest))
		return
	}
	if err := s.deps.Picker.Select(kind); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Picker.State())
}
