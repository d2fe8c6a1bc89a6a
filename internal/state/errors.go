package state

import "github.com/pkg/errors"

// ErrDuplicateSession is returned by Add when the id is already registered.
var ErrDuplicateSession = errors.New("session already registered")

func errDuplicate(id string) error {
	return errors.Wrapf(ErrDuplicateSession, "id %s", id)
}
