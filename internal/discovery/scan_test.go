package discovery

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanFindsListeningPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	var mu sync.Mutex
	var results []Result
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	Scan(ctx, Request{Hosts: []string{"127.0.0.1"}, Ports: []uint16{uint16(port)}, Flags: FlagNoNameLookup}, func(r Result) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})

	assert.Len(t, results, 1)
	assert.Equal(t, uint16(port), results[0].Port)
}

func TestScanSkipsClosedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	ln.Close() // closed before scanning, so nothing should answer

	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	var results []Result
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	Scan(ctx, Request{Hosts: []string{"127.0.0.1"}, Ports: []uint16{uint16(port)}, Flags: FlagNoNameLookup}, func(r Result) {
		results = append(results, r)
	})
	assert.Empty(t, results)
}

func TestSubnetHostsExpandsCIDR(t *testing.T) {
	hosts, err := SubnetHosts("192.0.2.0/30")
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.0", "192.0.2.1", "192.0.2.2", "192.0.2.3"}, hosts)
}
