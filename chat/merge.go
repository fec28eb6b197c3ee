package chat

import "github.com/jrsteele09/go-chat-session/chatmodel"

// mergeMessages returns base followed by every message of extras whose id is
// not already present, in order. Messages without an id are always kept.
func mergeMessages(base []chatmodel.Message, extras ...[]chatmodel.Message) []chatmodel.Message {
	out := make([]chatmodel.Message, 0, len(base))
	seen := make(map[string]bool, len(base))
	add := func(m chatmodel.Message) {
		if m.ID != "" {
			if seen[m.ID] {
				return
			}
			seen[m.ID] = true
		}
		out = append(out, m)
	}
	for _, m := range base {
		add(m)
	}
	for _, list := range extras {
		for _, m := range list {
			add(m)
		}
	}
	return out
}

func containsMessage(messages []chatmodel.Message, id string) bool {
	if id == "" {
		return false
	}
	for _, m := range messages {
		if m.ID == id {
			return true
		}
	}
	return false
}

// mergeChats appends the chats of extra that base does not contain.
func mergeChats(base, extra []chatmodel.Chat) []chatmodel.Chat {
	out := append([]chatmodel.Chat(nil), base...)
	for _, c := range extra {
		if !chatmodel.ContainsChat(out, c.ID) {
			out = append(out, c)
		}
	}
	return out
}
