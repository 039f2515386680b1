package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/npezzotti/go-chathub/internal/auth"
	"github.com/npezzotti/go-chathub/internal/lifecycle"
	"github.com/npezzotti/go-chathub/internal/types"
)

type UnreadResponse struct {
	RoomId      string `json:"room_id"`
	UnreadCount int    `json:"unread_count"`
}

func (s *ChatHubApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *ChatHubApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Error().Err(errResp).Msg("request failed")
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *ChatHubApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("health check failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func identity(r *http.Request) types.Principal {
	id, _ := IdentityFrom(r.Context())
	return id.Principal
}

func viewerKind(p types.Principal) types.SenderKind {
	if p.IsStaff() {
		return types.SenderStaff
	}
	return types.SenderCustomer
}

// chatSession returns the caller's open room, creating it on first contact.
func (s *ChatHubApp) chatSession(w http.ResponseWriter, r *http.Request) {
	p := identity(r)
	room, err := s.manager.GetOrCreateForCustomer(r.Context(), p)
	if err != nil {
		s.writeError(w, storeError(err))
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

// claimRoom moves the caller's anonymous room to their account after they
// sign in. It needs both a customer access token and the session cookie.
func (s *ChatHubApp) claimRoom(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	p := id.Principal

	switch {
	case p.IsAnonymous():
		s.writeError(w, NewUnauthorizedError())
		return
	case p.IsStaff():
		s.writeError(w, NewForbiddenError())
		return
	case id.NewSession:
		errResp := NewBadRequestError()
		errResp.Message = "no chat session to claim"
		s.writeError(w, errResp)
		return
	}

	room, err := s.manager.UpgradeOnSignin(r.Context(), p.SessionId, p.UserId, lifecycle.DisplayName(p.User), p.User.Email)
	if err != nil {
		s.writeError(w, storeError(err))
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

func (s *ChatHubApp) listRooms(w http.ResponseWriter, r *http.Request) {
	p := identity(r)
	ctx := r.Context()

	var (
		rooms []types.Room
		err   error
	)
	if p.IsStaff() {
		rooms, err = s.repo.ListRoomsForStaff(ctx)
	} else {
		kind, ref := p.Owner()
		rooms, err = s.repo.ListRoomsForOwner(ctx, kind, ref)
	}
	if err != nil {
		s.writeError(w, storeError(err))
		return
	}

	summaries := make([]types.RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		unread, err := s.repo.UnreadCount(ctx, room.Id, viewerKind(p))
		if err != nil {
			s.writeError(w, storeError(err))
			return
		}
		summaries = append(summaries, types.RoomSummary{Room: room, UnreadCount: unread})
	}

	s.writeJson(w, http.StatusOK, summaries)
}

// readableRoom loads the path room and applies the read gate. It writes the
// error response itself and returns false on failure.
func (s *ChatHubApp) readableRoom(w http.ResponseWriter, r *http.Request) (types.Room, bool) {
	room, err := s.repo.GetRoom(r.Context(), r.PathValue("room_id"))
	if err == nil {
		err = auth.CanAccessRoom(identity(r), room)
	}
	if err != nil {
		s.writeError(w, storeError(err))
		return types.Room{}, false
	}
	return room, true
}

func (s *ChatHubApp) roomMessages(w http.ResponseWriter, r *http.Request) {
	limit := s.historyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, NewBadRequestError())
			return
		}
		limit = n
	}

	room, ok := s.readableRoom(w, r)
	if !ok {
		return
	}

	messages, err := s.repo.ListMessages(r.Context(), room.Id, limit)
	if err != nil {
		s.writeError(w, storeError(err))
		return
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *ChatHubApp) roomUnread(w http.ResponseWriter, r *http.Request) {
	room, ok := s.readableRoom(w, r)
	if !ok {
		return
	}

	unread, err := s.repo.UnreadCount(r.Context(), room.Id, viewerKind(identity(r)))
	if err != nil {
		s.writeError(w, storeError(err))
		return
	}

	s.writeJson(w, http.StatusOK, UnreadResponse{RoomId: room.Id, UnreadCount: unread})
}
