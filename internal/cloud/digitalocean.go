package cloud

import (
	"context"
	"fmt"
	"time"

	"snapdrop/internal/logging"

	"github.com/digitalocean/godo"
	"go.uber.org/zap"
)

const perPage = 200

// Options configures the DigitalOcean client
type Options struct {
	Token       string
	BaseURL     string // defaults to the public API
	HTTPRetries int
	Timeout     time.Duration
	UserAgent   string
}

// DOClient implements Client on top of godo
type DOClient struct {
	client *godo.Client
}

// NewDOClient creates a new DigitalOcean client
func NewDOClient(opts Options) (*DOClient, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("digitalocean token is required")
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}

	httpClient := newHTTPClient(opts.Token, opts.HTTPRetries, opts.Timeout, logging.Logger().Named("http"))

	var clientOpts []godo.ClientOpt
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, godo.SetBaseURL(opts.BaseURL))
	}
	if opts.UserAgent != "" {
		clientOpts = append(clientOpts, godo.SetUserAgent(opts.UserAgent))
	}

	client, err := godo.New(httpClient, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create godo client: %w", err)
	}
	return &DOClient{client: client}, nil
}

// ListInstances returns every droplet on the account
func (c *DOClient) ListInstances(ctx context.Context) ([]Instance, error) {
	var instances []Instance
	opt := &godo.ListOptions{Page: 1, PerPage: perPage}
	for {
		droplets, resp, err := c.client.Droplets.List(ctx, opt)
		if err != nil {
			return nil, c.fail("list droplets", err)
		}
		for i := range droplets {
			instances = append(instances, fromDroplet(&droplets[i]))
		}

		next, ok, err := nextPage(resp)
		if err != nil {
			return nil, c.fail("list droplets", err)
		}
		if !ok {
			return instances, nil
		}
		opt.Page = next
	}
}

// CreateInstance creates a droplet. The API answers 202 before the
// droplet is ready, which still counts as success.
func (c *DOClient) CreateInstance(ctx context.Context, req ProvisionRequest) (*Instance, error) {
	sshKeys := make([]godo.DropletCreateSSHKey, 0, len(req.SSHKeys))
	for _, fp := range req.SSHKeys {
		sshKeys = append(sshKeys, godo.DropletCreateSSHKey{Fingerprint: fp})
	}

	createRequest := &godo.DropletCreateRequest{
		Name:    req.Name,
		Region:  req.Region,
		Size:    req.Size,
		Image:   godo.DropletCreateImage{ID: req.ImageID},
		SSHKeys: sshKeys,
		Tags:    req.Tags,
	}

	droplet, _, err := c.client.Droplets.Create(ctx, createRequest)
	if err != nil {
		return nil, c.fail("create droplet", err)
	}
	instance := fromDroplet(droplet)
	logging.Logger().Info("Droplet created",
		zap.Int("droplet_id", instance.ID),
		zap.String("name", instance.Name),
		zap.String("status", instance.Status))
	return &instance, nil
}

// GetInstance fetches a droplet by ID
func (c *DOClient) GetInstance(ctx context.Context, id int) (*Instance, error) {
	droplet, _, err := c.client.Droplets.Get(ctx, id)
	if err != nil {
		return nil, c.fail("get droplet", err)
	}
	instance := fromDroplet(droplet)
	return &instance, nil
}

// ShutdownInstance requests a graceful shutdown
func (c *DOClient) ShutdownInstance(ctx context.Context, id int) error {
	action, _, err := c.client.DropletActions.Shutdown(ctx, id)
	if err != nil {
		return c.fail("shutdown droplet", err)
	}
	logAction("shutdown", id, action)
	return nil
}

// DeleteInstance destroys a droplet
func (c *DOClient) DeleteInstance(ctx context.Context, id int) error {
	if _, err := c.client.Droplets.Delete(ctx, id); err != nil {
		return c.fail("delete droplet", err)
	}
	return nil
}

// ListSnapshots returns every droplet snapshot, in provider order
func (c *DOClient) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	var snapshots []Snapshot
	opt := &godo.ListOptions{Page: 1, PerPage: perPage}
	for {
		page, resp, err := c.client.Snapshots.ListDroplet(ctx, opt)
		if err != nil {
			return nil, c.fail("list snapshots", err)
		}
		for _, s := range page {
			snapshots = append(snapshots, Snapshot{ID: s.ID, Name: s.Name, Created: s.Created})
		}

		next, ok, err := nextPage(resp)
		if err != nil {
			return nil, c.fail("list snapshots", err)
		}
		if !ok {
			return snapshots, nil
		}
		opt.Page = next
	}
}

// CreateSnapshot starts a snapshot action; it does not wait for it
func (c *DOClient) CreateSnapshot(ctx context.Context, instanceID int, name string) error {
	action, _, err := c.client.DropletActions.Snapshot(ctx, instanceID, name)
	if err != nil {
		return c.fail("snapshot droplet", err)
	}
	logAction("snapshot", instanceID, action)
	return nil
}

// DeleteSnapshot deletes a snapshot by ID
func (c *DOClient) DeleteSnapshot(ctx context.Context, id string) error {
	if _, err := c.client.Snapshots.Delete(ctx, id); err != nil {
		return c.fail("delete snapshot", err)
	}
	return nil
}

func (c *DOClient) fail(op string, err error) error {
	cerr := classify(op, err)
	logging.Logger().Warn("DigitalOcean request failed",
		zap.String("op", op),
		zap.String("kind", string(cerr.Kind)),
		zap.Int("status", cerr.Status),
		zap.String("error", logging.Truncate(err.Error())))
	return cerr
}

func nextPage(resp *godo.Response) (int, bool, error) {
	if resp == nil || resp.Links == nil || resp.Links.IsLastPage() {
		return 0, false, nil
	}
	current, err := resp.Links.CurrentPage()
	if err != nil {
		return 0, false, fmt.Errorf("failed to read pagination links: %w", err)
	}
	return current + 1, true, nil
}

func fromDroplet(d *godo.Droplet) Instance {
	instance := Instance{
		ID:     d.ID,
		Name:   d.Name,
		Status: d.Status,
	}
	if d.Networks != nil {
		for _, n := range d.Networks.V4 {
			instance.Networks = append(instance.Networks, NetworkInterface{
				Type:      n.Type,
				IPAddress: n.IPAddress,
			})
		}
	}
	return instance
}

func logAction(kind string, dropletID int, action *godo.Action) {
	if action == nil {
		return
	}
	logging.Logger().Info("Droplet action accepted",
		zap.String("action", kind),
		zap.Int("droplet_id", dropletID),
		zap.Int("action_id", action.ID),
		zap.String("status", action.Status))
}
