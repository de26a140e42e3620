// Package envelope implements helpers for splitting user@domain addresses,
// used when logging the MAIL FROM / RCPT TO captured from a relayed
// dialogue. It does not rewrite, route, or validate addresses: the proxy
// forwards them verbatim and only needs the split for structured logging.
package envelope

import "strings"

// Split an user@domain address into user and domain.
func Split(addr string) (string, string) {
	ps := strings.SplitN(addr, "@", 2)
	if len(ps) != 2 {
		return addr, ""
	}

	return ps[0], ps[1]
}

// UserOf user@domain returns user.
func UserOf(addr string) string {
	user, _ := Split(addr)
	return user
}

// DomainOf user@domain returns domain.
func DomainOf(addr string) string {
	_, domain := Split(addr)
	return domain
}
