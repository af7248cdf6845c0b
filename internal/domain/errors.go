package domain

import "errors"

// ErrIdentityBoundary marks a cross-tenant access attempt. It is always fatal:
// callers must never retry or partially honor the request.
var ErrIdentityBoundary = errors.New("identity boundary violation")
