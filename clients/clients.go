// Package clients declares the collaborator interfaces the session engines
// call out to: the bundle manager, the account manager, the ability
// manager, and the application-side client callback. Real implementations
// live outside this module; clientstest provides in-memory fakes.
package clients

import (
	"context"

	"github.com/meshkit/dsched/wire"
)

// BundleClient resolves bundle identity on the local device.
type BundleClient interface {
	// GetCallerAppID returns the app identity for a bundle.
	GetCallerAppID(ctx context.Context, bundleName string) (string, error)

	// GetBundleNameList returns the continuation-compatible bundle names for
	// a bundle, used for cross-checking installed components on the peer.
	GetBundleNameList(ctx context.Context, bundleName string) ([]string, error)

	// GetMissionBundleName resolves a mission ID to its bundle name and
	// continue type.
	GetMissionBundleName(ctx context.Context, missionID int32) (bundleName, continueType string, err error)

	// IsBundleInstalled reports whether any of the named bundles is installed
	// locally.
	IsBundleInstalled(ctx context.Context, bundleNames []string) (bool, error)
}

// AccountClient supplies the local account identity, including the signed
// assertion peers validate before admitting a session.
type AccountClient interface {
	GetAccountInfo(ctx context.Context) (wire.AccountInfo, error)
}

// AbilityClient drives the application layer: producing the continuation
// payload on the source and launching the ability on the sink. A non-nil
// error from either is a reason to drive the session to an error end.
type AbilityClient interface {
	// ContinueAbility asks the running ability to save its state, returning
	// the payload to migrate.
	ContinueAbility(ctx context.Context, missionID int32, params wire.WantParams) (wire.WantParams, error)

	// StartAbility launches (or resumes) the ability with the migrated
	// payload.
	StartAbility(ctx context.Context, bundleName, abilityName string, params wire.WantParams) error
}

// ClientCallback is the remote handle supplied by the caller of a mission.
// It receives exactly one terminal notification per session; the engine
// upholds that contract even under timeout/disconnect races.
type ClientCallback interface {
	// NotifyResult reports the session's terminal outcome. A nil result is
	// success; reason carries the peer's human-readable rejection text
	// verbatim when present.
	NotifyResult(ctx context.Context, result error, reason string) error

	// NotifyDisconnect reports that the peer link dropped outside a terminal
	// exchange.
	NotifyDisconnect(ctx context.Context) error

	// NotifyTransportAvailable reports that the local transport became usable
	// again (e.g. wifi came up).
	NotifyTransportAvailable(ctx context.Context) error
}
