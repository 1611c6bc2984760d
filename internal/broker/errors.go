package broker

import (
	"errors"
	"fmt"
	"strings"
)

// ErrToolNotRegistered is returned when the tool id is unknown.
var ErrToolNotRegistered = errors.New("tool not registered")

// ErrToolNotActive is returned when the tool exists but is suspended or
// still pending approval.
var ErrToolNotActive = errors.New("tool not active")

// ErrEnvironmentNotAllowed is returned when the tool's permission envelope
// does not cover the requested environment.
var ErrEnvironmentNotAllowed = errors.New("environment not allowed for tool")

// ErrSessionLimitExceeded is returned when the tool already holds its
// maximum number of live sessions.
var ErrSessionLimitExceeded = errors.New("session limit exceeded")

// ErrRequestNotFound is returned for an unknown access request id.
var ErrRequestNotFound = errors.New("access request not found")

// ErrRequestNotApproved is returned when activating a request that is not
// in the approved state.
var ErrRequestNotApproved = errors.New("access request not approved")

// ErrRequestConsumed is returned when activating a request whose session
// has already been created. An approved request activates exactly once.
var ErrRequestConsumed = errors.New("access request already activated")

// ErrRequestDecided is returned when approving or denying a request that
// has already left the pending state. Decisions are final.
var ErrRequestDecided = errors.New("access request already decided")

// ErrSessionNotFound is returned for an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// ErrInvalidOrExpiredToken is returned when a proxy value does not resolve:
// unknown, expired, or revoked. Callers cannot distinguish the three.
var ErrInvalidOrExpiredToken = errors.New("invalid or expired token")

// UnauthorizedSecretsError names the requested secrets that fall outside
// the tool's allow-list.
type UnauthorizedSecretsError struct {
	Names []string
}

func (e *UnauthorizedSecretsError) Error() string {
	return fmt.Sprintf("secrets not authorized for tool: %s", strings.Join(e.Names, ", "))
}

// PartialMintError reports that token minting failed partway through
// activation. Minted lists the secret names that did get a token, so the
// caller can revoke the partial session.
type PartialMintError struct {
	SessionID string
	Minted    []string
	Failed    string
	Err       error
}

func (e *PartialMintError) Error() string {
	return fmt.Sprintf("minting token for %q failed (session %s, %d tokens already minted): %v",
		e.Failed, e.SessionID, len(e.Minted), e.Err)
}

func (e *PartialMintError) Unwrap() error { return e.Err }
