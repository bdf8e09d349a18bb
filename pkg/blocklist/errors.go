package blocklist

import "errors"

var (
	// ErrDirectoryNotFound is returned when the block-list directory does not exist
	ErrDirectoryNotFound = errors.New("block list directory not found")

	// ErrInvalidDomain is returned when a domain cannot be added to a list
	ErrInvalidDomain = errors.New("invalid domain name")

	// ErrDomainNotFound is returned when removing a domain that is not listed
	ErrDomainNotFound = errors.New("domain not listed")

	// ErrNoAllowFile is returned when the allow list is mutated without a configured file
	ErrNoAllowFile = errors.New("no allow list file configured")

	// ErrUnknownKind is returned for a list kind other than block or allow
	ErrUnknownKind = errors.New("unknown list kind")
)
