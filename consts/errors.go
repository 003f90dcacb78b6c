package consts

import "errors"

var (
	ErrMalformedMessage   = errors.New("malformed message")
	ErrMailboxConnection  = errors.New("mailbox connection failed")
	ErrUnsupportedMailbox = errors.New("unsupported mailbox")
	ErrMailboxLocked      = errors.New("mailbox is locked")
	ErrMissingParameter   = errors.New("missing required parameter")

	ErrUnknownAction  = errors.New("unknown rule action")
	ErrInvalidPattern = errors.New("invalid rule pattern")

	ErrDBNotFound                = errors.New("not found")
	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")
	ErrDBInsertFailed            = errors.New("insert failed")

	ErrS3UploadFailed = errors.New("s3 upload failed")
)
