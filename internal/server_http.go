package internal

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"chatrelay/internal/storage"
)

type createUserRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type pairRoomRequest struct {
	Person1 storage.Person `json:"person1"`
	Person2 storage.Person `json:"person2"`
}

type pairRoomResponse struct {
	RoomID string   `json:"roomId"`
	Users  []string `json:"users"`
}

type permissionsResponse struct {
	IsExports     bool `json:"isExports"`
	IsScreenshots bool `json:"isScreenshots"`
}

type togglePermissionRequest struct {
	UserID string `json:"userId"`
	Field  string `json:"field"`
	Status bool   `json:"status"`
}

// HandleCreateUser creates a user record with a server-generated id.
func (s *Server) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	if !s.userLimiter.Allow(clientIP(r)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.Phone) == "" {
		writeError(w, http.StatusBadRequest, errors.New("name, email and phone are required"))
		return
	}
	user, err := s.store.CreateUser(r.Context(), req.Name, req.Email, req.Phone)
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			writeError(w, http.StatusBadRequest, errors.New("user already exists"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": "user created successfully", "user": user})
}

// HandleListUsers lists every user record.
func (s *Server) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if users == nil {
		users = []storage.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// HandleCreatePairRoom finds or creates the room shared by two people,
// creating the user records themselves on first sight.
func (s *Server) HandleCreatePairRoom(w http.ResponseWriter, r *http.Request) {
	var req pairRoomRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Person1.Email == "" || req.Person2.Email == "" {
		writeError(w, http.StatusBadRequest, errors.New("both people need an email"))
		return
	}
	roomID, users, err := s.store.FindOrCreatePairRoom(r.Context(), req.Person1, req.Person2)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, pairRoomResponse{RoomID: roomID, Users: users})
}

// HandleGetPermissions reads the two permission flags for a user.
func (s *Server) HandleGetPermissions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, errors.New("userId is required"))
		return
	}
	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, errors.New("user not found"))
		return
	}
	writeJSON(w, http.StatusOK, permissionsResponse{IsExports: user.IsExports, IsScreenshots: user.IsScreenshots})
}

// HandleTogglePermission flips one of the two permission flags.
func (s *Server) HandleTogglePermission(w http.ResponseWriter, r *http.Request) {
	var req togglePermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, errors.New("userId is required"))
		return
	}
	user, err := s.store.GetUser(r.Context(), req.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, errors.New("user not found"))
		return
	}
	if err := s.store.SetPermission(r.Context(), req.UserID, req.Field, req.Status); err != nil {
		if errors.Is(err, storage.ErrInvalidPermission) {
			writeError(w, http.StatusBadRequest, errors.New("invalid field to toggle"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	user, err = s.store.GetUser(r.Context(), req.UserID)
	if err != nil || user == nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, permissionsResponse{IsExports: user.IsExports, IsScreenshots: user.IsScreenshots})
}

// HandleRoomExists reports whether a room has ever been referenced.
func (s *Server) HandleRoomExists(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if room == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}
	exists, err := s.store.RoomExists(r.Context(), room)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if exists || s.hub.Exists(room) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	http.Error(w, "not found", http.StatusNotFound)
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
