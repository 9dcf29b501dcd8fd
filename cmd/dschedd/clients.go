package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/meshkit/dsched/clients"
	"github.com/meshkit/dsched/internal/accountauth"
	"github.com/meshkit/dsched/wire"
)

// staticBundle answers bundle queries from configuration. It admits every
// inbound bundle; mission lookups require a real mission registry and are
// not available in the static bindings.
type staticBundle struct {
	appID string
}

func (b *staticBundle) GetCallerAppID(ctx context.Context, bundleName string) (string, error) {
	return b.appID, nil
}

func (b *staticBundle) GetBundleNameList(ctx context.Context, bundleName string) ([]string, error) {
	return []string{bundleName}, nil
}

func (b *staticBundle) GetMissionBundleName(ctx context.Context, missionID int32) (string, string, error) {
	return "", "", fmt.Errorf("mission %d not registered: no mission registry bound", missionID)
}

func (b *staticBundle) IsBundleInstalled(ctx context.Context, bundleNames []string) (bool, error) {
	return true, nil
}

// localAccount reports the device's account identity, minting a signed
// assertion when an account signer is configured.
type localAccount struct {
	signer      *accountauth.Signer
	accountType int32
}

func (a *localAccount) GetAccountInfo(ctx context.Context) (wire.AccountInfo, error) {
	info := wire.AccountInfo{Type: a.accountType}
	if a.signer != nil {
		assertion, err := a.signer.Sign(a.accountType, nil, time.Minute)
		if err != nil {
			return wire.AccountInfo{}, fmt.Errorf("sign account assertion: %w", err)
		}
		info.Assertion = assertion
	}
	return info, nil
}

// loggingAbility stands in for the ability manager: it passes payloads
// through on the source and records launches on the sink.
type loggingAbility struct {
	log *slog.Logger
}

func (a *loggingAbility) ContinueAbility(ctx context.Context, missionID int32, params wire.WantParams) (wire.WantParams, error) {
	return params, nil
}

func (a *loggingAbility) StartAbility(ctx context.Context, bundleName, abilityName string, params wire.WantParams) error {
	a.log.InfoContext(ctx, "dschedd.ability.start",
		slog.String("bundle", bundleName),
		slog.String("ability", abilityName),
		slog.Int("params", len(params)))
	return nil
}

var (
	_ clients.BundleClient  = (*staticBundle)(nil)
	_ clients.AccountClient = (*localAccount)(nil)
	_ clients.AbilityClient = (*loggingAbility)(nil)
)
