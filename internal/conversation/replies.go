package conversation

import (
	"fmt"
	"strings"
)

// Replies holds the canned texts sent for commands and failures.
type Replies struct {
	Greeting string
	Cleared  string
	// HTTPError is a format string taking the status code.
	HTTPError   string
	Transient   string
	RateLimited string
}

// DefaultReplies returns the built-in Hinglish texts.
func DefaultReplies() Replies {
	return Replies{
		Greeting:    "🔥 Bhai mai tera personal AI assistant hu!\n\nKuch bhi puch, kuch bhi bol - main yaad rakhunga sab.\nHindi, English, Hinglish - sab chalega! 😎",
		Cleared:     "Memory clear ho gayi bhai! Fresh start 🔄",
		HTTPError:   "Bhai kuch gadbad ho gayi 😅\nError: %d\nThodi der me try kar!",
		Transient:   "Oops! Server pe load zyada hai 😓\n1-2 second me dobara try kar",
		RateLimited: "Thoda saans le bhai 😅 Bahut tez messages aa rahe hain.\nEk minute baad try kar!",
	}
}

// Merge returns r with empty fields taken from DefaultReplies.
func (r Replies) Merge() Replies {
	d := DefaultReplies()
	if r.Greeting == "" {
		r.Greeting = d.Greeting
	}
	if r.Cleared == "" {
		r.Cleared = d.Cleared
	}
	if r.HTTPError == "" {
		r.HTTPError = d.HTTPError
	}
	if r.Transient == "" {
		r.Transient = d.Transient
	}
	if r.RateLimited == "" {
		r.RateLimited = d.RateLimited
	}
	return r
}

func (r Replies) httpError(status int) string {
	if !strings.Contains(r.HTTPError, "%d") {
		return r.HTTPError
	}
	return fmt.Sprintf(r.HTTPError, status)
}
