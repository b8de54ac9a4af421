package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/prep/socketpair"
)

// ServiceEntry is what the service-discovery collaborator (spec §4.7,
// §6.4 "wraps a platform mDNS/DNS-SD client") delivers per change.
type ServiceEntry struct {
	Type    string
	Service string
	Domain  string
	Entry   string
	Addr    string
	Added   bool
}

// ServiceBrowser is the collaborator interface this engine consumes but
// does not implement (spec §6.4: "Collaborator interfaces (consumed, not
// implemented)"); a real mDNS/DNS-SD client is wired in by the embedding
// application.
type ServiceBrowser interface {
	Browse(ctx context.Context, serviceType string, onEntry func(ServiceEntry)) error
}

// browseRequest is the wire shape accepted on the internal browse link
// (spec §4.7: "An internal server (port browse) is implemented over a
// local socket pair to expose discovery and subnet scanning to the same
// wire protocol as remote sockets").
type browseRequest struct {
	Kind        string   `json:"kind"` // "scan" or "service"
	Hosts       []string `json:"hosts,omitempty"`
	Ports       []uint16 `json:"ports,omitempty"`
	Flags       Flags    `json:"flags,omitempty"`
	ServiceType string   `json:"service_type,omitempty"`
}

// NewOSPipe returns the two ends of a connected Unix-domain socket pair
// built with github.com/prep/socketpair. The engine's browse bridge keeps
// one end and runs Serve on the other, so browse requests that arrive on
// the visible side of a palsocket.Pair reach Serve over this pipe.
func NewOSPipe() (net.Conn, net.Conn, error) {
	a, b, err := socketpair.New("unix")
	if err != nil {
		return nil, nil, fmt.Errorf("discovery: create socketpair: %w", err)
	}
	return a, b, nil
}

// Serve runs the browse protocol loop on conn until it errors or ctx is
// done: one JSON browseRequest per line in, a stream of JSON Result/
// ServiceEntry values out.
func Serve(ctx context.Context, conn net.Conn, browser ServiceBrowser) error {
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var req browseRequest
		if err := dec.Decode(&req); err != nil {
			return err
		}
		switch req.Kind {
		case "scan":
			Scan(ctx, Request{Hosts: req.Hosts, Ports: req.Ports, Flags: req.Flags}, func(r Result) {
				enc.Encode(r)
			})
		case "service":
			if browser == nil {
				enc.Encode(map[string]string{"error": "not_supported"})
				continue
			}
			if err := browser.Browse(ctx, req.ServiceType, func(e ServiceEntry) {
				enc.Encode(e)
			}); err != nil {
				enc.Encode(map[string]string{"error": err.Error()})
			}
		default:
			enc.Encode(map[string]string{"error": "not_supported"})
		}
	}
}
