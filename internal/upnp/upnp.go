// Package upnp forwards the listening port through the local internet
// gateway device so the data plane is reachable from outside the LAN.
package upnp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/huin/goupnp/dcps/internetgateway1"
)

const (
	protocol    = "TCP"
	description = "easytransfer"
)

// ErrPortTaken means the gateway already forwards the port to another host.
var ErrPortTaken = errors.New("external port already mapped to another host")

// ErrNoGateway means discovery found no usable gateway.
var ErrNoGateway = errors.New("no UPnP internet gateway found")

// Mapper forwards a single external port to this host.
type Mapper interface {
	Map(ctx context.Context, port uint16) error
	Unmap(ctx context.Context) error
	ExternalIP(ctx context.Context) (string, error)
}

// gatewayClient is the subset of the IGD WAN connection services we use.
// Both WANIPConnection1 and WANPPPConnection1 satisfy it.
type gatewayClient interface {
	AddPortMappingCtx(ctx context.Context, NewRemoteHost string, NewExternalPort uint16, NewProtocol string, NewInternalPort uint16, NewInternalClient string, NewEnabled bool, NewPortMappingDescription string, NewLeaseDuration uint32) error
	DeletePortMappingCtx(ctx context.Context, NewRemoteHost string, NewExternalPort uint16, NewProtocol string) error
	GetSpecificPortMappingEntryCtx(ctx context.Context, NewRemoteHost string, NewExternalPort uint16, NewProtocol string) (NewInternalPort uint16, NewInternalClient string, NewEnabled bool, NewPortMappingDescription string, NewLeaseDuration uint32, err error)
	GetExternalIPAddressCtx(ctx context.Context) (NewExternalIPAddress string, err error)
	LocalAddr() net.IP
}

// Gateway maps ports on a discovered internet gateway device.
type Gateway struct {
	client  gatewayClient
	lanAddr string
	logger  *slog.Logger

	mu     sync.Mutex
	port   uint16
	mapped bool
}

// Discover searches the LAN for an internet gateway device.
func Discover(ctx context.Context, logger *slog.Logger) (*Gateway, error) {
	logger = logger.With(slog.String("component", "upnp"))
	logger.Debug("starting UPnP discovery")

	ipClients, _, err := internetgateway1.NewWANIPConnection1ClientsCtx(ctx)
	if err != nil {
		return nil, fmt.Errorf("upnp discovery failed: %w", err)
	}
	if len(ipClients) > 0 {
		return newGateway(ipClients[0], logger)
	}

	pppClients, _, err := internetgateway1.NewWANPPPConnection1ClientsCtx(ctx)
	if err != nil {
		return nil, fmt.Errorf("upnp discovery failed: %w", err)
	}
	if len(pppClients) > 0 {
		return newGateway(pppClients[0], logger)
	}
	return nil, ErrNoGateway
}

func newGateway(c gatewayClient, logger *slog.Logger) (*Gateway, error) {
	local := c.LocalAddr()
	if local == nil {
		return nil, fmt.Errorf("%w: local address unknown", ErrNoGateway)
	}
	logger.Info("found internet gateway", slog.String("lan_addr", local.String()))
	return &Gateway{client: c, lanAddr: local.String(), logger: logger}, nil
}

// Map forwards external port to the same port on this host. An existing
// mapping to this host is reused; one to another host yields ErrPortTaken.
func (g *Gateway) Map(ctx context.Context, port uint16) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, client, _, _, _, err := g.client.GetSpecificPortMappingEntryCtx(ctx, "", port, protocol)
	if err == nil {
		if client != g.lanAddr {
			g.logger.Info("external port already taken",
				slog.Int("port", int(port)),
				slog.String("client", client),
			)
			return fmt.Errorf("%w: port %d", ErrPortTaken, port)
		}
		g.logger.Info("mapping already exists", slog.Int("port", int(port)))
		g.port, g.mapped = port, true
		return nil
	}

	if err := g.client.AddPortMappingCtx(ctx, "", port, protocol, port, g.lanAddr, true, description, 0); err != nil {
		return fmt.Errorf("mapping failed for port %d: %w", port, err)
	}
	g.logger.Info("mapping added", slog.Int("port", int(port)))
	g.port, g.mapped = port, true
	return nil
}

// Unmap removes the mapping created by Map. It is a no-op when nothing is
// mapped.
func (g *Gateway) Unmap(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.mapped {
		return nil
	}
	if err := g.client.DeletePortMappingCtx(ctx, "", g.port, protocol); err != nil {
		return fmt.Errorf("failed to delete port mapping %d: %w", g.port, err)
	}
	g.logger.Info("deleted port mapping", slog.Int("port", int(g.port)))
	g.mapped = false
	return nil
}

// ExternalIP returns the gateway's public address.
func (g *Gateway) ExternalIP(ctx context.Context) (string, error) {
	ip, err := g.client.GetExternalIPAddressCtx(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to query external address: %w", err)
	}
	return ip, nil
}
