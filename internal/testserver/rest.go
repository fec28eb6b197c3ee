package testserver

import (
	"encoding/json"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-chat-session/chatmodel"
)

const maxUploadSize = 10 << 20

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r)

	s.mu.Lock()
	chats := make([]chatmodel.Chat, 0, len(s.chatOrder))
	for _, id := range s.chatOrder {
		if rec := s.chats[id]; rec.visibleTo(u.ID) {
			chats = append(chats, rec.viewFor(u.ID))
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, chats)
}

// handleCreateChat opens a private chat with another user, or returns the one
// that already exists. The other member is told through ReceiveNewChat.
func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r)
	var req chatmodel.CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		http.Error(w, `{"error":"invalid_request"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	other, ok := s.users[req.Email]
	if !ok || other.ID == u.ID {
		s.mu.Unlock()
		http.Error(w, `{"error":"user_not_found"}`, http.StatusNotFound)
		return
	}
	for _, id := range s.chatOrder {
		rec := s.chats[id]
		if !rec.chat.IsGlobal && rec.members[u.ID] && rec.members[other.ID] {
			chat := rec.viewFor(u.ID)
			s.mu.Unlock()
			writeJSON(w, http.StatusOK, chat)
			return
		}
	}
	rec := s.addChatLocked(chatmodel.Chat{ID: uuid.NewString(), Name: other.Email}, []string{u.ID, other.ID})
	rec.names = map[string]string{u.ID: other.Email, other.ID: u.Email}
	mine, theirs := rec.viewFor(u.ID), rec.viewFor(other.ID)
	s.mu.Unlock()

	s.pushToUser(other.ID, eventReceiveNewChat, theirs)
	writeJSON(w, http.StatusCreated, mine)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r)
	id := r.PathValue("id")

	s.mu.Lock()
	rec, ok := s.chats[id]
	if !ok || !rec.visibleTo(u.ID) {
		s.mu.Unlock()
		http.Error(w, `{"error":"chat_not_found"}`, http.StatusNotFound)
		return
	}
	messages := append([]chatmodel.Message{}, rec.messages...)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, `{"error":"missing_file"}`, http.StatusBadRequest)
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, `{"error":"upload_failed"}`, http.StatusBadRequest)
		return
	}

	name := uuid.NewString() + "-" + path.Base(strings.ReplaceAll(header.Filename, "\\", "/"))
	s.mu.Lock()
	s.uploads[name] = content
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, chatmodel.UploadResponse{URL: "/uploads/" + name})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	content, ok := s.uploads[r.PathValue("name")]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(content)
}

// Upload returns the content stored under an upload URL path.
func (s *Server) Upload(urlPath string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.uploads[strings.TrimPrefix(urlPath, "/uploads/")]
	return content, ok
}
