package main

const (
	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"
	Gray    = "\033[90m" // Bright black, often appears as gray

	ResetColor = "\033[0m" // Reset to default color
)

// senderColours cycles per sender so a conversation is easy to follow.
var senderColours = []string{Cyan, Magenta, Blue, Yellow}

func colourFor(sender string) string {
	var h uint32
	for i := 0; i < len(sender); i++ {
		h = h*31 + uint32(sender[i])
	}
	return senderColours[h%uint32(len(senderColours))]
}
