package remote

import (
	"errors"
	"io"
)

type composite struct {
	MessageBackend
	PresenceBackend
	TypingBackend
	closers []io.Closer
}

// Compose builds a Store from separate backends, e.g. messages in SQLite and
// presence in Redis. Close closes closers in reverse order and joins their
// errors.
func Compose(m MessageBackend, p PresenceBackend, t TypingBackend, closers ...io.Closer) Store {
	return &composite{MessageBackend: m, PresenceBackend: p, TypingBackend: t, closers: closers}
}

func (c *composite) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
