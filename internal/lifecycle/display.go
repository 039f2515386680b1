package lifecycle

import (
	"strings"

	"github.com/npezzotti/go-chathub/internal/types"
)

const anonymousName = "Customer"

// DisplayName picks the first non-empty of "first last", first name,
// username and the local part of the email, falling back to "Customer".
func DisplayName(u types.User) string {
	first := strings.TrimSpace(u.FirstName)
	last := strings.TrimSpace(u.LastName)

	if first != "" && last != "" {
		return first + " " + last
	}
	if first != "" {
		return first
	}
	if name := strings.TrimSpace(u.Username); name != "" {
		return name
	}
	if local, _, _ := strings.Cut(strings.TrimSpace(u.Email), "@"); local != "" {
		return local
	}
	return anonymousName
}
