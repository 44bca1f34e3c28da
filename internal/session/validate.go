package session

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)
	userRegexp = regexp.MustCompile(`^[A-Za-z0-9.@-]{1,128}$`)
)

// ValidateName checks that a session name is safe to use as a directory name.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match %s", name, nameRegexp)
	}
	return nil
}

// ValidateUser checks the local user id a session signs in as. Underscores
// are reserved as the chat id separator.
func ValidateUser(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("no user configured: set user in %s", ConfigPath())
	case strings.Contains(id, "_"):
		return fmt.Errorf("invalid user id %q: must not contain '_'", id)
	case !userRegexp.MatchString(id):
		return fmt.Errorf("invalid user id %q: must match %s", id, userRegexp)
	}
	return nil
}
