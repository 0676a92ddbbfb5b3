package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"devicelink/pkg/linkclient"
	"devicelink/pkg/linkproto"
)

const (
	keyFile      = "primary.key"
	tokenFile    = "primary.token"
	identityFile = "identity.json"
)

func (a *app) client() *linkclient.Client { return linkclient.New(a.server) }

func (a *app) path(name string) string { return filepath.Join(a.dir, name) }

func (a *app) identities() *linkclient.FileIdentityStore {
	return linkclient.NewFileIdentityStore(a.path(identityFile))
}

// primaryClient authenticates with the token saved by login.
func (a *app) primaryClient() (*linkclient.Client, error) {
	data, err := os.ReadFile(a.path(tokenFile))
	if os.IsNotExist(err) {
		return nil, errors.New("not logged in; run `linkctl login` first")
	}
	if err != nil {
		return nil, err
	}
	return a.client().WithAccessToken(strings.TrimSpace(string(data))), nil
}

// registryClient prefers the primary token and falls back to the linked
// device credential.
func (a *app) registryClient() (*linkclient.Client, error) {
	if c, err := a.primaryClient(); err == nil {
		return c, nil
	}
	id, ok, err := a.identities().Load()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("neither logged in nor linked")
	}
	return a.client().WithAccessToken(id.AccessToken), nil
}

func newFlags(name string) *pflag.FlagSet {
	return pflag.NewFlagSet("linkctl "+name, pflag.ContinueOnError)
}

// sessionArg accepts either a scanned code payload or a bare token.
func sessionArg(fs *pflag.FlagSet, what string) (string, error) {
	if fs.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one %s", what)
	}
	arg := fs.Arg(0)
	if token, err := linkproto.ParseCodePayload(arg); err == nil {
		return token, nil
	}
	return arg, nil
}

func writePrivate(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func loadOrCreateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("corrupt key file %s", path)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(key.Seed()) + "\n"
	if err := writePrivate(path, []byte(encoded)); err != nil {
		return nil, err
	}
	return key, nil
}

func runLogin(ctx context.Context, a *app, args []string) error {
	fs := newFlags("login")
	if err := fs.Parse(args); err != nil {
		return err
	}

	key, err := loadOrCreateKey(a.path(keyFile))
	if err != nil {
		return err
	}
	token, err := a.client().Authenticate(ctx, key)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := writePrivate(a.path(tokenFile), []byte(token+"\n")); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "logged in")
	return nil
}

func runLink(ctx context.Context, a *app, args []string) error {
	fs := newFlags("link")
	pollOnly := fs.Bool("poll-only", false, "skip the push channel")
	fallback := fs.Duration("fallback-after", linkclient.DefaultFallbackAfter, "switch to polling if the push channel is not open by then")
	interval := fs.Duration("poll-interval", linkclient.DefaultLinkPollInterval, "status poll interval")
	maxFailures := fs.Int("max-poll-failures", 0, "give up after this many consecutive failed polls (0 = never)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	created, err := a.client().CreateSession(ctx)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	c := a.client().WithSessionSecret(created.Secret)
	fmt.Fprintf(a.out, "scan this code on your primary device (expires %s):\n\n  %s\n\n",
		time.UnixMilli(created.ExpiresAt).Format(time.Kitchen), created.CodePayload)

	events := make(chan linkproto.Event, 4)
	opts := linkclient.NegotiateOptions{
		Token:           created.Token,
		Poller:          c,
		Handler:         func(ev linkproto.Event) { events <- ev },
		FallbackAfter:   *fallback,
		PollInterval:    *interval,
		MaxPollFailures: *maxFailures,
		Logger:          a.logger,
	}
	if !*pollOnly {
		opts.Dialer = c.Dialer()
	}
	n, err := linkclient.Negotiate(ctx, opts)
	if err != nil {
		return err
	}
	defer n.Close()

	handle := func(ev linkproto.Event) (bool, error) {
		switch ev := ev.(type) {
		case linkproto.Scanned:
			fmt.Fprintf(a.out, "scanned by %s, waiting for approval\n", displayName(ev.Principal))
			return false, nil
		case linkproto.Linked:
			id := linkclient.IdentityFromLinked(ev)
			id.BaseURL = a.server
			if err := a.identities().Save(id); err != nil {
				return true, fmt.Errorf("save identity: %w", err)
			}
			fmt.Fprintf(a.out, "linked to %s\n", displayName(ev.Principal))
			return true, nil
		case linkproto.Rejected:
			return true, errors.New("link rejected")
		case linkproto.Expired:
			return true, errors.New("link code expired")
		default:
			return false, nil
		}
	}

	for {
		select {
		case ev := <-events:
			if done, err := handle(ev); done {
				return err
			}
		case <-n.Done():
			// The terminal event is queued before Done closes.
			for {
				select {
				case ev := <-events:
					if done, err := handle(ev); done {
						return err
					}
				default:
					if err := n.Err(); err != nil {
						return err
					}
					return errors.New("linking stopped")
				}
			}
		}
	}
}

func displayName(p linkproto.Principal) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

func runClaim(ctx context.Context, a *app, args []string) error {
	fs := newFlags("claim")
	name := fs.String("name", "", "name shown to the linking device")
	if err := fs.Parse(args); err != nil {
		return err
	}
	token, err := sessionArg(fs, "code")
	if err != nil {
		return err
	}
	c, err := a.primaryClient()
	if err != nil {
		return err
	}
	if _, err := c.Claim(ctx, token, *name); err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	fmt.Fprintln(a.out, "claimed", token)
	return nil
}

func runConfirm(ctx context.Context, a *app, args []string) error {
	fs := newFlags("confirm")
	platform := fs.String("platform", "", "device platform")
	name := fs.String("name", "", "device name")
	extra := fs.StringToString("extra", nil, "extra device metadata (key=value,...)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	token, err := sessionArg(fs, "code")
	if err != nil {
		return err
	}
	c, err := a.primaryClient()
	if err != nil {
		return err
	}
	device := linkproto.DeviceMetadata{Platform: *platform, Name: *name}
	if len(*extra) > 0 {
		device.Extra = *extra
	}
	if _, err := c.Confirm(ctx, token, device); err != nil {
		return fmt.Errorf("confirm: %w", err)
	}
	fmt.Fprintln(a.out, "linked", token)
	return nil
}

func runReject(ctx context.Context, a *app, args []string) error {
	fs := newFlags("reject")
	if err := fs.Parse(args); err != nil {
		return err
	}
	token, err := sessionArg(fs, "code")
	if err != nil {
		return err
	}
	if _, err := a.client().Reject(ctx, token); err != nil {
		return fmt.Errorf("reject: %w", err)
	}
	fmt.Fprintln(a.out, "rejected", token)
	return nil
}

func runDevices(ctx context.Context, a *app, args []string) error {
	fs := newFlags("devices")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := a.registryClient()
	if err != nil {
		return err
	}
	devices, err := c.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOKEN\tNAME\tPLATFORM\tLINKED\tLAST ACTIVE\t")
	for _, d := range devices {
		token := d.Token
		if d.Current {
			token += " (this device)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n", token, d.Device.Name, d.Device.Platform,
			formatMillis(d.LinkedAt), formatMillis(d.LastActiveAt))
	}
	return tw.Flush()
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format(time.DateTime)
}

func runRevoke(ctx context.Context, a *app, args []string) error {
	fs := newFlags("revoke")
	if err := fs.Parse(args); err != nil {
		return err
	}
	token, err := sessionArg(fs, "device token")
	if err != nil {
		return err
	}
	c, err := a.registryClient()
	if err != nil {
		return err
	}
	if err := c.RevokeDevice(ctx, token); err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	fmt.Fprintln(a.out, "revoked", token)
	return nil
}

func runRevokeAll(ctx context.Context, a *app, args []string) error {
	fs := newFlags("revoke-all")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := a.registryClient()
	if err != nil {
		return err
	}
	n, err := c.RevokeAll(ctx)
	if err != nil {
		return fmt.Errorf("revoke all: %w", err)
	}
	fmt.Fprintf(a.out, "revoked %d device(s)\n", n)
	return nil
}

func runMonitor(ctx context.Context, a *app, args []string) error {
	fs := newFlags("monitor")
	heartbeat := fs.Duration("heartbeat", linkclient.DefaultHeartbeatInterval, "heartbeat interval")
	interval := fs.Duration("poll-interval", linkclient.DefaultMonitorPollInterval, "status poll interval while the push channel is down")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store := a.identities()
	id, ok, err := store.Load()
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("not linked; run `linkctl link` first")
	}
	server := a.server
	if id.BaseURL != "" {
		server = id.BaseURL
	}
	c := linkclient.New(server)

	m, err := linkclient.StartMonitor(ctx, linkclient.MonitorOptions{
		Identity:          id,
		Heartbeater:       c,
		Dialer:            c.Dialer(),
		Poller:            c,
		Store:             store,
		HeartbeatInterval: *heartbeat,
		PollInterval:      *interval,
		Logger:            a.logger,
	})
	if err != nil {
		return err
	}
	defer m.Close()

	fmt.Fprintln(a.out, "monitoring", id.Token)
	select {
	case <-m.Revoked():
		fmt.Fprintln(a.out, "this device was unlinked; identity cleared")
		return nil
	case <-ctx.Done():
		return nil
	}
}
