package chatmodel

import (
	"io"
	"time"

	"github.com/jrsteele09/go-chat-session/internal/utils"
)

// Chat is a conversation the user can see. Identity is ID; chats are never
// mutated once created.
type Chat struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsGlobal bool   `json:"isGlobal"`
}

// Message is a single chat entry. Text and FileURL are both optional and may
// both be set.
type Message struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chatId"`
	SenderID    string    `json:"senderId"`
	SenderEmail *string   `json:"senderEmail,omitempty"`
	Text        *string   `json:"text,omitempty"`
	FileURL     *string   `json:"fileUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (m Message) GetText() string {
	return utils.Value(m.Text)
}

func (m Message) GetFileURL() string {
	return utils.Value(m.FileURL)
}

func (m Message) GetSenderEmail() string {
	return utils.Value(m.SenderEmail)
}

// HasAttachment reports whether the message links an uploaded file.
func (m Message) HasAttachment() bool {
	return m.GetFileURL() != ""
}

// Attachment is a file to upload before sending a message.
type Attachment struct {
	Name    string
	Content io.Reader
}

// CreateChatRequest is the body of POST /chats.
type CreateChatRequest struct {
	Email string `json:"email"`
}

// UploadResponse is the body returned by POST /upload.
type UploadResponse struct {
	URL string `json:"url"`
}

// ContainsChat reports whether a chat with id is present.
func ContainsChat(chats []Chat, id string) bool {
	for _, c := range chats {
		if c.ID == id {
			return true
		}
	}
	return false
}

// FindChat returns the chat with id.
func FindChat(chats []Chat, id string) (Chat, bool) {
	for _, c := range chats {
		if c.ID == id {
			return c, true
		}
	}
	return Chat{}, false
}
