// Package clientstest provides in-memory fakes for the collaborator
// interfaces in the clients package, for use in engine tests.
package clientstest

import (
	"context"
	"fmt"
	"sync"

	"github.com/meshkit/dsched/clients"
	"github.com/meshkit/dsched/wire"
)

// FakeBundle is an in-memory BundleClient. Zero value is usable; configure
// the fields before handing it to the engine.
type FakeBundle struct {
	AppID        string
	BundleNames  []string
	MissionMap   map[int32]string // missionID -> bundleName
	ContinueType string
	Installed    bool

	// Err, when set, is returned by every method.
	Err error
}

func (f *FakeBundle) GetCallerAppID(ctx context.Context, bundleName string) (string, error) {
	if f.Err != nil {
		return "", f.Err
	}
	if f.AppID == "" {
		return "appid-" + bundleName, nil
	}
	return f.AppID, nil
}

func (f *FakeBundle) GetBundleNameList(ctx context.Context, bundleName string) ([]string, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	if len(f.BundleNames) == 0 {
		return []string{bundleName}, nil
	}
	return f.BundleNames, nil
}

func (f *FakeBundle) GetMissionBundleName(ctx context.Context, missionID int32) (string, string, error) {
	if f.Err != nil {
		return "", "", f.Err
	}
	if name, ok := f.MissionMap[missionID]; ok {
		return name, f.ContinueType, nil
	}
	return "", "", fmt.Errorf("mission %d not found", missionID)
}

func (f *FakeBundle) IsBundleInstalled(ctx context.Context, bundleNames []string) (bool, error) {
	if f.Err != nil {
		return false, f.Err
	}
	return f.Installed, nil
}

// FakeAccount returns a fixed AccountInfo.
type FakeAccount struct {
	Info wire.AccountInfo
	Err  error
}

func (f *FakeAccount) GetAccountInfo(ctx context.Context) (wire.AccountInfo, error) {
	if f.Err != nil {
		return wire.AccountInfo{}, f.Err
	}
	return f.Info, nil
}

// FakeAbility records launches and returns a fixed payload.
type FakeAbility struct {
	mu       sync.Mutex
	started  []string
	Payload  wire.WantParams
	Continue error // error to return from ContinueAbility
	Start    error // error to return from StartAbility
}

func (f *FakeAbility) ContinueAbility(ctx context.Context, missionID int32, params wire.WantParams) (wire.WantParams, error) {
	if f.Continue != nil {
		return nil, f.Continue
	}
	if f.Payload != nil {
		return f.Payload, nil
	}
	return params, nil
}

func (f *FakeAbility) StartAbility(ctx context.Context, bundleName, abilityName string, params wire.WantParams) error {
	if f.Start != nil {
		return f.Start
	}
	f.mu.Lock()
	f.started = append(f.started, bundleName)
	f.mu.Unlock()
	return nil
}

// Started returns the bundles launched so far.
func (f *FakeAbility) Started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

// Notification is one recorded terminal callback.
type Notification struct {
	Result error
	Reason string
}

// RecordingCallback records client notifications and signals each terminal
// result on Ch so tests can wait without polling.
type RecordingCallback struct {
	mu          sync.Mutex
	results     []Notification
	disconnects int
	transports  int

	Ch chan Notification
}

func NewRecordingCallback() *RecordingCallback {
	return &RecordingCallback{Ch: make(chan Notification, 8)}
}

func (c *RecordingCallback) NotifyResult(ctx context.Context, result error, reason string) error {
	n := Notification{Result: result, Reason: reason}
	c.mu.Lock()
	c.results = append(c.results, n)
	c.mu.Unlock()
	c.Ch <- n
	return nil
}

func (c *RecordingCallback) NotifyDisconnect(ctx context.Context) error {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
	return nil
}

func (c *RecordingCallback) NotifyTransportAvailable(ctx context.Context) error {
	c.mu.Lock()
	c.transports++
	c.mu.Unlock()
	return nil
}

// Results returns the terminal notifications recorded so far.
func (c *RecordingCallback) Results() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.results...)
}

// Disconnects returns the count of disconnect notifications.
func (c *RecordingCallback) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// TransportNotifications returns the count of transport-available
// notifications.
func (c *RecordingCallback) TransportNotifications() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transports
}

var (
	_ clients.BundleClient   = (*FakeBundle)(nil)
	_ clients.AccountClient  = (*FakeAccount)(nil)
	_ clients.AbilityClient  = (*FakeAbility)(nil)
	_ clients.ClientCallback = (*RecordingCallback)(nil)
)
