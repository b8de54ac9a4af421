package engine

import (
	"context"
	"net"
)

// resolverLookup resolves host to a list of literal IP strings, used by
// ping and proxy-hostname link/open resolution (spec §4.5.2: "for proxy
// family, via hostname lookup").
func resolverLookup(ctx context.Context, host string) ([]string, error) {
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	return addrs, nil
}
