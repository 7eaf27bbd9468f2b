// Package cloud maps the droplet and snapshot operations the workflows
// need onto the DigitalOcean API.
package cloud

import "context"

// NetworkInterface is one address attached to an instance
type NetworkInterface struct {
	Type      string // "public" or "private"
	IPAddress string
}

// Instance is a provider-side snapshot of a droplet at fetch time
type Instance struct {
	ID       int
	Name     string
	Status   string
	Networks []NetworkInterface
}

// PublicIPv4 returns the first public address, if the droplet has one yet
func (i *Instance) PublicIPv4() (string, bool) {
	for _, n := range i.Networks {
		if n.Type == "public" && n.IPAddress != "" {
			return n.IPAddress, true
		}
	}
	return "", false
}

// Snapshot is a droplet snapshot image
type Snapshot struct {
	ID      string
	Name    string
	Created string
}

// ProvisionRequest describes the droplet to create
type ProvisionRequest struct {
	Name    string
	Region  string
	Size    string
	ImageID int
	SSHKeys []string // fingerprints, in order
	Tags    []string
}

// Client is the set of provider operations the workflows depend on.
//
// Every failure is returned as a *Error. Action calls (shutdown, snapshot)
// only report that the provider accepted the request; completion has to be
// observed separately.
type Client interface {
	ListInstances(ctx context.Context) ([]Instance, error)
	CreateInstance(ctx context.Context, req ProvisionRequest) (*Instance, error)
	GetInstance(ctx context.Context, id int) (*Instance, error)
	ShutdownInstance(ctx context.Context, id int) error
	DeleteInstance(ctx context.Context, id int) error

	ListSnapshots(ctx context.Context) ([]Snapshot, error)
	CreateSnapshot(ctx context.Context, instanceID int, name string) error
	DeleteSnapshot(ctx context.Context, id string) error
}

// FindInstance returns the first instance whose name matches exactly
func FindInstance(instances []Instance, name string) (*Instance, bool) {
	for i := range instances {
		if instances[i].Name == name {
			return &instances[i], true
		}
	}
	return nil, false
}

// FindSnapshot returns the first snapshot whose name matches exactly
func FindSnapshot(snapshots []Snapshot, name string) (*Snapshot, bool) {
	for i := range snapshots {
		if snapshots[i].Name == name {
			return &snapshots[i], true
		}
	}
	return nil, false
}
