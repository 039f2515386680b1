package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chathub/internal/auth"
	"github.com/npezzotti/go-chathub/internal/types"
)

// upgrade authenticates the handshake and upgrades it. A new session cookie
// travels on the upgrade response, since nothing else is written over HTTP.
func (s *ChatHubApp) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, types.Principal, bool) {
	if !s.cs.Accepting() {
		s.writeError(w, NewServiceUnavailableError())
		return nil, types.Principal{}, false
	}

	id := s.authn.Authenticate(r.Context(), auth.CredentialsFromRequest(r))
	if id.Principal.AuthErr != nil {
		s.log.Debug().Err(id.Principal.AuthErr).Msg("handshake token rejected, continuing as anonymous")
	}

	header := http.Header{}
	if id.NewSession {
		cookie, err := s.authn.SessionCookie(id.Principal.SessionId, s.secureCookies)
		if err != nil {
			s.writeError(w, NewInternalServerError(err))
			return nil, types.Principal{}, false
		}
		header.Add("Set-Cookie", cookie.String())
	}

	ws, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		s.log.Debug().Err(err).Msg("error upgrading connection")
		return nil, types.Principal{}, false
	}
	return ws, id.Principal, true
}

func (s *ChatHubApp) serveCustomerWs(w http.ResponseWriter, r *http.Request) {
	ws, p, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	if err := s.cs.ServeCustomer(ws, p, r.PathValue("room")); err != nil {
		s.log.Debug().Err(err).Msg("customer socket refused")
	}
}

func (s *ChatHubApp) serveStaffWs(w http.ResponseWriter, r *http.Request) {
	ws, p, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	if err := s.cs.ServeStaff(ws, p); err != nil {
		s.log.Debug().Err(err).Msg("staff socket refused")
	}
}
