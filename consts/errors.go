package consts

import "errors"

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrItemNotFound    = errors.New("roster item not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrNotPermitted    = errors.New("operation not permitted")
	ErrInternalError   = errors.New("internal error")

	ErrDBNotFound                = errors.New("not found")
	ErrDBUniqueViolation         = errors.New("unique violation")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")
	ErrDBCommitTransactionFailed = errors.New("commit failed")

	ErrMalformedJID    = errors.New("malformed jid")
	ErrMalformedStanza = errors.New("malformed stanza")
)
