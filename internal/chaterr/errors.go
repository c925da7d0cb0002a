// Package chaterr defines the sentinel domain errors every service handler
// can return. None of these ever reach the event loop as a panic: handlers
// translate them into the wire-level {error: ...} or {success:false,
// message: ...} shapes the protocol requires.
package chaterr

import "errors"

var (
	// ErrChannelExists is returned when channel creation names a channel
	// that already exists locally.
	ErrChannelExists = errors.New("canal já existe")

	// ErrUnknownUser is returned when a private message names a recipient
	// that has not logged in anywhere this replica has observed.
	ErrUnknownUser = errors.New("usuário não existe")

	// ErrUnknownChannel is returned when a publish names a channel that
	// has not been created anywhere this replica has observed.
	ErrUnknownChannel = errors.New("canal não existe")

	// ErrUnknownService is returned by the dispatcher for a service name
	// it does not recognize.
	ErrUnknownService = errors.New("serviço desconhecido")
)
