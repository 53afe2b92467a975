package scenemesh

import "errors"

var (
	// ErrDuplicateSession is returned when a character id already has a live
	// session on this process, or the store's online flag says the character
	// is resident elsewhere.
	ErrDuplicateSession = errors.New("character already has an active session")

	// ErrSceneWaitTimeout is returned when no instance of the requested
	// scene appeared, locally or through the store, within the wait bound.
	ErrSceneWaitTimeout = errors.New("timed out waiting for a scene instance")

	// ErrSceneAttachFailure is returned when the client never confirmed
	// scene attachment. The connection is terminated, not retried.
	ErrSceneAttachFailure = errors.New("client failed to confirm scene attachment")

	// ErrNotResident is returned for operations that require a resident
	// character on the given connection.
	ErrNotResident = errors.New("no resident character on connection")

	// ErrUnknownTeleporter is returned when a teleporter name has no
	// destination in the content catalog.
	ErrUnknownTeleporter = errors.New("unknown teleporter")

	// ErrNoRespawnPoints marks a scene whose content declares regions but
	// no respawn points. This is a configuration error, surfaced loudly.
	ErrNoRespawnPoints = errors.New("scene has no respawn points configured")
)

// KickReason is the code sent to a client when its connection is terminated
// for a session-level recoverable failure.
type KickReason string

const (
	KickDuplicateSession   KickReason = "duplicate-session"
	KickCharacterNotFound  KickReason = "character-not-found"
	KickSceneUnavailable   KickReason = "scene-unavailable"
	KickSceneAttachTimeout KickReason = "scene-attach-timeout"
	KickServerShutdown     KickReason = "server-shutdown"
)
