package remote

import (
	"errors"
	"slices"
	"testing"
)

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

func TestComposeClosesInReverse(t *testing.T) {
	var order []string
	errRedis := errors.New("redis down")
	s := Compose(nil, nil, nil,
		closeFunc(func() error { order = append(order, "sql"); return nil }),
		closeFunc(func() error { order = append(order, "redis"); return errRedis }),
	)

	err := s.Close()
	if !errors.Is(err, errRedis) {
		t.Errorf("Close() error = %v, want %v", err, errRedis)
	}
	if !slices.Equal(order, []string{"redis", "sql"}) {
		t.Errorf("close order = %v", order)
	}
}
