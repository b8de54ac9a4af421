package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sammck-go/prxtunnel/internal/config"
	"github.com/sammck-go/prxtunnel/internal/logging"
	"github.com/sammck-go/prxtunnel/internal/msg"
	"github.com/sammck-go/prxtunnel/internal/ref"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, cfg *config.Store) *Engine {
	t.Helper()
	selfRef, err := ref.New()
	require.NoError(t, err)
	return New(logging.New("test", logging.LevelError), selfRef, nil, cfg)
}

func mustRef(t *testing.T) ref.Ref {
	t.Helper()
	r, err := ref.New()
	require.NoError(t, err)
	return r
}

func newRestrictedStore(t *testing.T, ports string) *config.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.conf")
	require.NoError(t, os.WriteFile(path, []byte(ports), 0o644))
	store, err := config.NewStore(logging.New("test", logging.LevelError), path, func(p string) (*config.Config, error) {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		ranges, err := config.ParseRestrictedPorts(string(data))
		if err != nil {
			return nil, err
		}
		return &config.Config{RestrictedPorts: ranges}, nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDispatchUnknownTopLevelTypeIsNotSupported(t *testing.T) {
	e := newTestEngine(t, nil)
	req := &msg.Envelope{Version: msg.CurrentVersion, Type: msg.TypeData, SourceRef: mustRef(t)}
	resp := e.Dispatch(req)
	require.NotNil(t, resp)
	assert.Equal(t, msg.ErrNotSupported, resp.ErrorCode)
}

func TestDispatchAgainstUnknownTargetRefReturnsClosed(t *testing.T) {
	e := newTestEngine(t, nil)
	req := &msg.Envelope{Version: msg.CurrentVersion, Type: msg.TypeData, TargetRef: mustRef(t)}
	resp := e.Dispatch(req)
	require.NotNil(t, resp)
	assert.Equal(t, msg.ErrClosed, resp.ErrorCode)
}

func TestHandlePingRejectsUnknownAddressFamily(t *testing.T) {
	e := newTestEngine(t, nil)
	req := &msg.Envelope{Version: msg.CurrentVersion, Type: msg.TypePingReq, Payload: &msg.PingReq{Address: msg.SocketAddress{Family: 99}}}
	resp := e.handlePing(req)
	assert.Equal(t, msg.ErrAddressFamily, resp.ErrorCode)
}

func TestHandlePingResolvesNonProxyAddressUnchanged(t *testing.T) {
	e := newTestEngine(t, nil)
	addr := msg.SocketAddress{Family: msg.AFInet, IP: "127.0.0.1", Port: 80}
	req := &msg.Envelope{Version: msg.CurrentVersion, Type: msg.TypePingReq, Payload: &msg.PingReq{Address: addr}}
	resp := e.handlePing(req)
	require.Equal(t, msg.ErrOk, resp.ErrorCode)
	got, ok := resp.Payload.(*msg.PingResp)
	require.True(t, ok)
	assert.Equal(t, addr, got.ResolvedAddress)
}

func TestHandlePingRefusesRestrictedPort(t *testing.T) {
	e := newTestEngine(t, newRestrictedStore(t, "80-80"))
	req := &msg.Envelope{Version: msg.CurrentVersion, Type: msg.TypePingReq,
		Payload: &msg.PingReq{Address: msg.SocketAddress{Family: msg.AFInet, IP: "127.0.0.1", Port: 80}}}
	resp := e.handlePing(req)
	assert.Equal(t, msg.ErrRefused, resp.ErrorCode)
}

func TestHandleLinkRefusesRestrictedExternalPort(t *testing.T) {
	e := newTestEngine(t, newRestrictedStore(t, "80-80"))
	req := &msg.Envelope{Version: msg.CurrentVersion, Type: msg.TypeLinkReq, SourceRef: mustRef(t),
		Payload: &msg.LinkReq{Version: msg.CurrentVersion, Props: msg.SocketProperties{
			Family: msg.AFInet, Address: msg.SocketAddress{Family: msg.AFInet, IP: "127.0.0.1", Port: 80},
		}}}
	resp := e.handleLink(req)
	assert.Equal(t, msg.ErrRefused, resp.ErrorCode)
}

func TestHandleLinkInternalBrowseSocketStaysCreatedUntilOpen(t *testing.T) {
	e := newTestEngine(t, nil)
	req := &msg.Envelope{Version: msg.CurrentVersion, Type: msg.TypeLinkReq, SourceRef: mustRef(t),
		Payload: &msg.LinkReq{Version: msg.CurrentVersion, Props: msg.SocketProperties{
			Flags: msg.FlagInternal, Address: msg.SocketAddress{Port: internalServiceBrowse},
		}}}
	resp := e.handleLink(req)
	require.Equal(t, msg.ErrOk, resp.ErrorCode)
	lr, ok := resp.Payload.(*msg.LinkResp)
	require.True(t, ok)

	sock := e.lookup(lr.LinkID)
	require.NotNil(t, sock)
	assert.Equal(t, StateCreated, sock.State())
	assert.NotNil(t, sock.plat)
}

func TestHandleLinkInternalRejectsUnknownPort(t *testing.T) {
	e := newTestEngine(t, nil)
	req := &msg.Envelope{Version: msg.CurrentVersion, Type: msg.TypeLinkReq, SourceRef: mustRef(t),
		Payload: &msg.LinkReq{Version: msg.CurrentVersion, Props: msg.SocketProperties{
			Flags: msg.FlagInternal, Address: msg.SocketAddress{Port: internalServiceBrowse + 1},
		}}}
	resp := e.handleLink(req)
	assert.Equal(t, msg.ErrNotSupported, resp.ErrorCode)

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.table)
}

func TestHandleLinkRejectsMalformedPayload(t *testing.T) {
	e := newTestEngine(t, nil)
	req := &msg.Envelope{Version: msg.CurrentVersion, Type: msg.TypeLinkReq, SourceRef: mustRef(t), Payload: "not-a-linkreq"}
	resp := e.handleLink(req)
	assert.Equal(t, msg.ErrArg, resp.ErrorCode)
}

func TestShutdownReleasesSchedulerImmediatelyWhenTableEmpty(t *testing.T) {
	e := newTestEngine(t, nil)
	e.Shutdown()
	e.scheduler.AtExit()
}
