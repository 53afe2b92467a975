package scenemesh

import "context"

// Transport is the per-connection delivery collaborator. Reliable delivery
// and connection lifecycle live behind it; the core only sends, kicks, and
// reacts to lifecycle callbacks routed into the session manager.
type Transport interface {
	// Send delivers one typed payload to a connection. A send error is
	// treated as best-effort; the transport is expected to surface a
	// disconnect through the session manager if the connection is gone.
	Send(conn ConnID, msgType string, payload any) error

	// Kick terminates a connection with a reason code.
	Kick(conn ConnID, reason KickReason)
}

// SceneHost is the scene/physics collaborator: it runs scene simulations and
// owns network-level scene attachment.
type SceneHost interface {
	// LoadScene provisions a running instance of the named scene and
	// returns its runtime handle.
	LoadScene(ctx context.Context, worldID int32, sceneName string) (handle string, err error)

	// AttachConnection binds a connection's traffic to a scene instance.
	// The client's "scenes loaded" acknowledgment arrives separately,
	// through SessionManager.ConfirmSceneReady.
	AttachConnection(conn ConnID, handle string) error

	// RelocatePhysics moves a character's simulation body to another
	// instance during a same-process teleport.
	RelocatePhysics(characterID int64, handle string) error
}

// TeleportDest is the content-defined destination of a named teleporter.
// Address is the world address a client reconnects to when the destination
// is hosted by a different process.
type TeleportDest struct {
	WorldID  int32
	Scene    string
	Position Position
	Address  string
}

// Region is a named axis-aligned bound used for containment checks.
type Region struct {
	Name string
	Min  Position
	Max  Position
}

// Contains reports whether p lies inside the region (inclusive bounds).
func (r Region) Contains(p Position) bool {
	return p.X >= r.Min.X && p.X <= r.Max.X &&
		p.Y >= r.Min.Y && p.Y <= r.Max.Y &&
		p.Z >= r.Min.Z && p.Z <= r.Max.Z
}

// Catalog is the read-only content collaborator: per-scene region and
// respawn tables plus teleporter destinations.
type Catalog interface {
	// Regions returns the named in-bounds regions for a scene. An empty
	// result means the scene declares no boundaries and every point is
	// considered in bounds.
	Regions(sceneName string) []Region

	// RespawnPoints returns the scene's respawn points.
	RespawnPoints(sceneName string) []Position

	// Teleporter resolves a teleporter name to its destination.
	Teleporter(fromName string) (TeleportDest, bool)
}
