package engine

import (
	"context"

	"github.com/sammck-go/prxtunnel/internal/discovery"
	"github.com/sammck-go/prxtunnel/internal/logging"
	"github.com/sammck-go/prxtunnel/internal/msg"
	"github.com/sammck-go/prxtunnel/internal/palsocket"
)

// browseServiceClient is the hidden side of a browse socket's
// palsocket.Pair: it pumps bytes between the visible socket's platform
// callbacks and a discovery.Serve loop running over a real OS socket pair
// (spec §4.7: "implemented over a local socket pair to expose discovery
// and subnet scanning to the same wire protocol as remote sockets").
type browseServiceClient struct {
	conn        browseConn
	pendingRecv []byte
}

// browseConn is the subset of net.Conn this bridge needs; kept narrow so
// it is obvious nothing else about the socket is touched here.
type browseConn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
}

func newBrowseServiceClient(ctx context.Context, logger logging.Logger, browser discovery.ServiceBrowser) (*browseServiceClient, error) {
	engineSide, serveSide, err := discovery.NewOSPipe()
	if err != nil {
		return nil, err
	}
	go func() {
		if err := discovery.Serve(ctx, serveSide, browser); err != nil {
			logger.DLogf("engine: browse service loop ended: %s", err)
		}
		serveSide.Close()
	}()
	return &browseServiceClient{conn: engineSide}, nil
}

func (c *browseServiceClient) OnOpened(*palsocket.Socket, error) {}

// OnBeginSend blocks on a read from the browse service; the socket's send
// loop runs on its own goroutine so this is safe to block in (spec §4.3's
// begin_send contract permits synchronous fulfillment).
func (c *browseServiceClient) OnBeginSend() ([]byte, *msg.SocketAddress) {
	buf := make([]byte, 4096)
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, nil
	}
	return buf[:n], nil
}

func (c *browseServiceClient) OnEndSend(palsocket.IOResult, error) {}

func (c *browseServiceClient) OnBeginRecv() []byte {
	buf := make([]byte, 4096)
	c.pendingRecv = buf
	return buf
}

func (c *browseServiceClient) OnEndRecv(n int, _ *msg.SocketAddress, result palsocket.IOResult, _ error) {
	if result != palsocket.ResultOK {
		return
	}
	c.conn.Write(c.pendingRecv[:n])
}

func (c *browseServiceClient) OnBeginAccept() palsocket.Client { return nil }
func (c *browseServiceClient) OnEndAccept(*palsocket.Socket, error) {}

func (c *browseServiceClient) OnClosed(error) {
	c.conn.Close()
}
