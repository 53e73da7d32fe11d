package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"github.com/ehrlich-b/devroom/internal/ai"
	"github.com/ehrlich-b/devroom/internal/filetree"
)

const maxBodyBytes = 8 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "rooms": s.Rooms.RoomCount()})
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c credentials) validate() error {
	var v validator
	_, err := mail.ParseAddress(c.Email)
	v.check(err == nil && !strings.Contains(c.Email, "<"), "email", "Email must be a valid email")
	v.check(len(c.Password) >= 6, "password", "Password must be at least 6 characters long")
	return v.err()
}

type authResponse struct {
	User  *User  `json:"user"`
	Token string `json:"token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		writeStoreError(w, err)
		return
	}
	hash, err := hashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	u, err := s.Store.CreateUser(req.Email, hash)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.respondWithToken(w, http.StatusCreated, u)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		writeStoreError(w, err)
		return
	}
	u, err := s.Store.GetUserByEmail(req.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if u == nil || !checkPassword(u.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, ErrBadCredentials.Error())
		return
	}
	s.respondWithToken(w, http.StatusOK, u)
}

func (s *Server) respondWithToken(w http.ResponseWriter, code int, u *User) {
	token, _, err := IssueToken(s.Auth.Secret, u.ID, u.Email, s.Config.TokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, code, authResponse{User: u, Token: token})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	id := s.requireUser(w, r)
	if id == nil {
		return
	}
	users, err := s.Store.ListUsersExcept(id.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if users == nil {
		users = []User{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	id := s.requireUser(w, r)
	if id == nil {
		return
	}
	var req struct {
		Name     string `json:"name"`
		Template string `json:"template"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	var v validator
	v.check(req.Name != "", "name", "Name is required")
	if err := v.err(); err != nil {
		writeStoreError(w, err)
		return
	}
	tree, template := templateTree(req.Template)
	p, err := s.Store.CreateProject(req.Name, id.UserID, template, tree)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.log.Info("project created", "project", p.ID, "user", id.Email, "template", template)
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	id := s.requireUser(w, r)
	if id == nil {
		return
	}
	projects, err := s.Store.ListProjectsForUser(id.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleAddUsers(w http.ResponseWriter, r *http.Request) {
	id := s.requireUser(w, r)
	if id == nil {
		return
	}
	var req struct {
		ProjectID string   `json:"projectId"`
		Users     []string `json:"users"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	var v validator
	v.check(isUUID(req.ProjectID), "projectId", "Project ID must be a valid id")
	v.check(len(req.Users) > 0, "users", "Users must be a non-empty array")
	for _, u := range req.Users {
		if !isUUID(u) {
			v.check(false, "users", "Each user must be a valid id")
			break
		}
	}
	if err := v.err(); err != nil {
		writeStoreError(w, err)
		return
	}
	p, err := s.Store.AddCollaborators(req.ProjectID, id.UserID, req.Users)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": p})
}

func (s *Server) handleProjectGet(w http.ResponseWriter, r *http.Request) {
	first, second := r.PathValue("first"), r.PathValue("second")
	switch {
	case first == "get-project":
		s.handleGetProject(w, r, second)
	case second == "analytics":
		s.handleAnalytics(w, r, first)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request, projectID string) {
	if s.requireUser(w, r) == nil {
		return
	}
	if !isUUID(projectID) {
		writeStoreError(w, invalid("projectId", "Project ID must be a valid id"))
		return
	}
	p, err := s.Store.GetProjectWithUsers(projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if p == nil {
		writeStoreError(w, ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": p})
}

func (s *Server) handleUpdateFileTree(w http.ResponseWriter, r *http.Request) {
	id := s.requireUser(w, r)
	if id == nil {
		return
	}
	var req struct {
		ProjectID string          `json:"projectId"`
		FileTree  json.RawMessage `json:"fileTree"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	var v validator
	v.check(isUUID(req.ProjectID), "projectId", "Project ID must be a valid id")
	v.check(len(req.FileTree) > 0 && string(req.FileTree) != "null", "fileTree", "File tree is required")
	if err := v.err(); err != nil {
		writeStoreError(w, err)
		return
	}
	tree, err := filetree.Parse(req.FileTree)
	if err != nil {
		writeStoreError(w, invalid("fileTree", err.Error()))
		return
	}
	if err := s.requireMember(req.ProjectID, id.UserID); err != nil {
		writeStoreError(w, err)
		return
	}
	p, err := s.Store.UpdateFileTree(req.ProjectID, tree)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": p})
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := s.requireUser(w, r)
	if id == nil {
		return
	}
	projectID := r.PathValue("id")
	if !isUUID(projectID) {
		writeStoreError(w, invalid("id", "Project ID must be a valid id"))
		return
	}
	p, err := s.Store.DeleteProject(projectID, id.UserID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.log.Info("project deleted", "project", p.ID, "user", id.Email)
	writeJSON(w, http.StatusOK, map[string]any{"message": "Project deleted successfully", "project": p})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request, projectID string) {
	id := s.requireUser(w, r)
	if id == nil {
		return
	}
	if !isUUID(projectID) {
		writeStoreError(w, invalid("projectId", "Project ID must be a valid id"))
		return
	}
	p, err := s.Store.GetProject(projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if p == nil {
		writeStoreError(w, ErrNotFound)
		return
	}
	if !p.HasMember(id.UserID) {
		writeStoreError(w, ErrNotMember)
		return
	}
	writeJSON(w, http.StatusOK, projectAnalytics(p, len(s.Rooms.Members(projectID))))
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"templates": Templates()})
}

type codeRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleGenerateDocs(w http.ResponseWriter, r *http.Request) {
	if s.requireUser(w, r) == nil {
		return
	}
	var req codeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeStoreError(w, invalid("code", "Code is required"))
		return
	}
	res := s.AI.Document(r.Context(), req.Code)
	if res.Kind == ai.Error {
		s.log.Error("generate docs", "error", res.Err)
		writeError(w, http.StatusBadGateway, res.Text)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"text": res.Text, "metadata": res.Metadata})
}

func (s *Server) handleOptimizeCode(w http.ResponseWriter, r *http.Request) {
	if s.requireUser(w, r) == nil {
		return
	}
	var req codeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeStoreError(w, invalid("code", "Code is required"))
		return
	}
	res := s.AI.Review(r.Context(), req.Code)
	if res.Kind == ai.Error {
		s.log.Error("optimize code", "error", res.Err)
		writeError(w, http.StatusBadGateway, res.Text)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"text": res.Text, "metadata": res.Metadata})
}

func (s *Server) requireMember(projectID, userID string) error {
	p, err := s.Store.GetProject(projectID)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrNotFound
	}
	if !p.HasMember(userID) {
		return ErrNotMember
	}
	return nil
}

// requireUser validates the bearer token. It writes a 401 and returns nil
// when the request is not authenticated.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) *Identity {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
		return nil
	}
	id, err := s.Auth.Verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return nil
	}
	return id
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// writeStoreError maps domain errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": ve.Fields})
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "project not found")
	case errors.Is(err, ErrNotMember):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrEmailTaken):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
