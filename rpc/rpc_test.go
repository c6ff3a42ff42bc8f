// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/gavel/ci"
	"github.com/hashicorp/gavel/helper/testlog"
	"github.com/hashicorp/gavel/testutil"
	"github.com/shoenig/test/must"
)

// newTestPair starts a listening service and a client-only service and
// returns them along with the client connected to the first.
func newTestPair(t *testing.T) (*Service, *Service, *Client) {
	t.Helper()

	serverCoord := ServiceCoord{Name: "TestService", Shard: 0}
	clientCoord := ServiceCoord{Name: "TestAdmin", Shard: 0}
	book := Book{
		serverCoord: fmt.Sprintf("127.0.0.1:%d", ci.PortAllocator.One()),
	}

	srv, err := NewService(serverCoord, book, testlog.HCLogger(t))
	must.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	cli, err := NewService(clientCoord, book, testlog.HCLogger(t))
	must.NoError(t, err)
	t.Cleanup(cli.Shutdown)

	c := cli.Connect(serverCoord)
	testutil.WaitForResult(func() (bool, error) {
		return c.Connected(), nil
	}, func(err error) {
		t.Fatalf("client never connected")
	})
	return srv, cli, c
}

func callCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestService_Echo(t *testing.T) {
	ci.Parallel(t)

	_, _, c := newTestPair(t)

	var reply string
	err := c.Call(callCtx(t), "echo", map[string]string{"text": "ping"}, &reply)
	must.NoError(t, err)
	must.Eq(t, "ping", reply)
}

func TestService_MethodNotCallable(t *testing.T) {
	ci.Parallel(t)

	_, _, c := newTestPair(t)

	err := c.Call(callCtx(t), "drop_tables", nil, nil)
	must.Error(t, err)
	re, ok := IsRemoteError(err)
	must.True(t, ok)
	must.StrContains(t, re.Msg, "not callable")
}

func TestService_RegisteredHandler(t *testing.T) {
	ci.Parallel(t)

	srv, _, c := newTestPair(t)

	srv.Register("double", FlagCallable, func(_ context.Context, req *Request) (interface{}, error) {
		var args struct {
			Value int `json:"value"`
		}
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return args.Value * 2, nil
	})

	var reply int
	err := c.Call(callCtx(t), "double", map[string]int{"value": 21}, &reply)
	must.NoError(t, err)
	must.Eq(t, 42, reply)
}

func TestService_HandlerError(t *testing.T) {
	ci.Parallel(t)

	srv, _, c := newTestPair(t)

	srv.Register("fail", FlagCallable, func(context.Context, *Request) (interface{}, error) {
		return nil, errors.New("dataset 9 not found")
	})

	err := c.Call(callCtx(t), "fail", nil, nil)
	re, ok := IsRemoteError(err)
	must.True(t, ok)
	must.StrContains(t, re.Msg, "dataset 9 not found")
}

func TestService_HandlerPanicBecomesError(t *testing.T) {
	ci.Parallel(t)

	srv, _, c := newTestPair(t)

	srv.Register("explode", FlagCallable, func(context.Context, *Request) (interface{}, error) {
		panic("kaboom")
	})

	err := c.Call(callCtx(t), "explode", nil, nil)
	must.Error(t, err)

	// The connection survives a panicked handler.
	var reply string
	must.NoError(t, c.Call(callCtx(t), "echo", map[string]string{"text": "still here"}, &reply))
	must.Eq(t, "still here", reply)
}

func TestService_BinaryResponse(t *testing.T) {
	ci.Parallel(t)

	srv, _, c := newTestPair(t)

	content := []byte("binary\r\ncontent\x00with framing bytes")
	srv.Register("fetch", FlagCallable|FlagBinaryResponse, func(context.Context, *Request) (interface{}, error) {
		return content, nil
	})

	var reply []byte
	err := c.Call(callCtx(t), "fetch", nil, &reply)
	must.NoError(t, err)
	must.Eq(t, content, reply)
}

func TestService_BinaryRequest(t *testing.T) {
	ci.Parallel(t)

	srv, _, c := newTestPair(t)

	srv.Register("measure", FlagCallable, func(_ context.Context, req *Request) (interface{}, error) {
		return len(req.Binary), nil
	})

	payload := make([]byte, 1<<16)
	var length int
	err := c.CallBinary(callCtx(t), "measure", nil, payload, &length)
	must.NoError(t, err)
	must.Eq(t, len(payload), length)
}

func TestClient_CallTimeout(t *testing.T) {
	ci.Parallel(t)

	srv, _, c := newTestPair(t)

	release := make(chan struct{})
	srv.Register("stall", FlagCallable|FlagThreaded, func(context.Context, *Request) (interface{}, error) {
		<-release
		return "late", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := c.Call(ctx, "stall", nil, nil)
	must.ErrorIs(t, err, context.DeadlineExceeded)

	// Unblock the handler; its late reply must be dropped without
	// disturbing later calls on the same connection.
	close(release)
	var reply string
	must.NoError(t, c.Call(callCtx(t), "echo", map[string]string{"text": "after"}, &reply))
	must.Eq(t, "after", reply)
}

func TestClient_DisconnectFailsPending(t *testing.T) {
	ci.Parallel(t)

	srv, _, c := newTestPair(t)

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	srv.Register("hang", FlagCallable|FlagThreaded, func(context.Context, *Request) (interface{}, error) {
		<-block
		return nil, nil
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Call(callCtx(t), "hang", nil, nil)
	}()

	// Give the request time to land, then kill the server.
	time.Sleep(100 * time.Millisecond)
	srv.Shutdown()

	select {
	case err := <-errCh:
		must.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call not failed by disconnect")
	}
}

func TestClient_NotConnected(t *testing.T) {
	ci.Parallel(t)

	book := Book{} // no addresses at all
	c := NewClient(ServiceCoord{Name: "Nowhere", Shard: 0}, book, testlog.HCLogger(t))
	err := c.Call(callCtx(t), "echo", nil, nil)
	must.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_Go(t *testing.T) {
	ci.Parallel(t)

	srv, _, c := newTestPair(t)

	srv.Register("greet", FlagCallable, func(context.Context, *Request) (interface{}, error) {
		return "hello", nil
	})

	done := make(chan string, 1)
	c.Go("greet", nil, func(data json.RawMessage, err error) {
		must.NoError(t, err)
		var s string
		must.NoError(t, json.Unmarshal(data, &s))
		done <- s
	})

	select {
	case s := <-done:
		must.Eq(t, "hello", s)
	case <-time.After(5 * time.Second):
		t.Fatal("callback never delivered")
	}
}

func TestClient_NotifySurvivesErrors(t *testing.T) {
	ci.Parallel(t)

	_, _, c := newTestPair(t)

	// Unknown method: the error is logged, not surfaced.
	c.Notify("nonexistent", nil)

	var reply string
	must.NoError(t, c.Call(callCtx(t), "echo", map[string]string{"text": "ok"}, &reply))
	must.Eq(t, "ok", reply)
}

func TestService_Quit(t *testing.T) {
	ci.Parallel(t)

	srv, _, c := newTestPair(t)

	must.NoError(t, c.Call(callCtx(t), "quit", map[string]string{"reason": "test over"}, nil))

	testutil.WaitForResult(func() (bool, error) {
		return srv.IsShutdown(), nil
	}, func(err error) {
		t.Fatal("service did not shut down after quit")
	})
}

func TestService_Reconnect(t *testing.T) {
	ci.Parallel(t)

	serverCoord := ServiceCoord{Name: "TestService", Shard: 0}
	clientCoord := ServiceCoord{Name: "TestAdmin", Shard: 0}
	book := Book{
		serverCoord: fmt.Sprintf("127.0.0.1:%d", ci.PortAllocator.One()),
	}

	srv, err := NewService(serverCoord, book, testlog.HCLogger(t))
	must.NoError(t, err)

	cli, err := NewService(clientCoord, book, testlog.HCLogger(t))
	must.NoError(t, err)
	t.Cleanup(cli.Shutdown)

	var connects atomic.Int64
	c := cli.Connect(serverCoord)
	c.OnConnect(func(ServiceCoord) { connects.Add(1) })

	testutil.WaitForResult(func() (bool, error) {
		return c.Connected(), nil
	}, func(err error) {
		t.Fatal("client never connected")
	})

	srv.Shutdown()
	testutil.WaitForResult(func() (bool, error) {
		return !c.Connected(), nil
	}, func(err error) {
		t.Fatal("client did not observe the disconnect")
	})

	// A replacement service on the same address picks the client back up
	// via the reconnect timer.
	srv2, err := NewService(serverCoord, book, testlog.HCLogger(t))
	must.NoError(t, err)
	t.Cleanup(srv2.Shutdown)

	testutil.WaitForResult(func() (bool, error) {
		return c.Connected(), nil
	}, func(err error) {
		t.Fatal("client never reconnected")
	})

	var reply string
	must.NoError(t, c.Call(callCtx(t), "echo", map[string]string{"text": "back"}, &reply))
	must.Eq(t, "back", reply)
	must.GreaterEq(t, int64(2), connects.Load())
}

func TestParseServiceCoord(t *testing.T) {
	ci.Parallel(t)

	coord, err := ParseServiceCoord("Worker,3")
	must.NoError(t, err)
	must.Eq(t, ServiceCoord{Name: "Worker", Shard: 3}, coord)
	must.Eq(t, "Worker,3", coord.String())

	_, err = ParseServiceCoord("Worker")
	must.Error(t, err)
	_, err = ParseServiceCoord(",2")
	must.Error(t, err)
	_, err = ParseServiceCoord("Worker,x")
	must.Error(t, err)
}
