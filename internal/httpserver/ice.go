package httpserver

import (
	"net/http"
	"strconv"

	"github.com/pion/webrtc/v4"
)

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

// handleICE serves the ICE servers browsers pass to RTCPeerConnection. With
// TURN REST enabled every response carries freshly minted TURN credentials.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}

	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	if s.turn == nil {
		WriteJSON(w, http.StatusOK, iceResponse{ICEServers: servers})
		return
	}

	servers, creds, err := s.turn.Inject(servers)
	if err != nil {
		s.log.Error("issue turn credentials", "err", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to issue turn credentials"})
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-TURN-Expires", strconv.FormatInt(creds.Expires.Unix(), 10))
	WriteJSON(w, http.StatusOK, iceResponse{ICEServers: servers})
}
