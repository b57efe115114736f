package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/theapemachine/rpclink/pkg/config"
	"github.com/theapemachine/rpclink/pkg/errors"
	"github.com/theapemachine/rpclink/pkg/jsonrpc"
	"github.com/theapemachine/rpclink/pkg/transport"
)

type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte
	fail   error
	closed bool
}

func (conn *fakeConn) Write(p []byte) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.fail != nil {
		return conn.fail
	}

	conn.writes = append(conn.writes, append([]byte(nil), p...))
	return nil
}

func (conn *fakeConn) Close() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.closed = true
	return nil
}

func (conn *fakeConn) RemoteAddr() string {
	return "fake"
}

func (conn *fakeConn) lines() []string {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	out := make([]string, 0, len(conn.writes))

	for _, write := range conn.writes {
		out = append(out, strings.TrimSuffix(string(write), "\r\n"))
	}

	return out
}

func demoRegistry() *Registry {
	registry := NewRegistry()

	registry.Register("add", func(ctx context.Context, params json.RawMessage) (any, error) {
		var args []int

		if err := jsonrpc.Bind(params, &args); err != nil {
			return nil, err
		}

		if len(args) != 2 {
			return nil, fmt.Errorf("%w: add takes two numbers", errors.ErrWrongArgument)
		}

		return args[0] + args[1], nil
	})

	registry.Register("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
		return params, nil
	})

	registry.Register("fail", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, fmt.Errorf("disk on fire")
	})

	registry.Register("panic", func(ctx context.Context, params json.RawMessage) (any, error) {
		panic("boom")
	})

	registry.Register("teapot", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, errors.New(-32050).WithMessagef("I'm a teapot")
	})

	registry.Register("whoami", func(ctx context.Context, params json.RawMessage) (any, error) {
		session, ok := SessionFromContext(ctx)

		if !ok {
			return nil, fmt.Errorf("no session")
		}

		return session.RemoteAddr(), nil
	})

	registry.Register("nothing", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, nil
	})

	return registry
}

// exchange pushes input through a fresh session and returns what it wrote.
func exchange(srv *Server, input string) []string {
	conn := &fakeConn{}
	handler := srv.Accept(conn)
	handler.HandleData([]byte(input))
	handler.HandleEnd()
	return conn.lines()
}

func TestRequests(t *testing.T) {
	Convey("Given a version 2 server", t, func() {
		srv := New(config.Default(), demoRegistry())

		Convey("add with two numbers returns their sum", func() {
			So(exchange(srv, `{"jsonrpc":"2.0","method":"add","params":[1,2],"id":1}`+"\r\n"), ShouldResemble, []string{
				`{"jsonrpc":"2.0","result":3,"id":1}`,
			})
		})

		Convey("an unregistered method answers Method not found with the same id", func() {
			So(exchange(srv, `{"jsonrpc":"2.0","method":"foo","id":"a"}`+"\r\n"), ShouldResemble, []string{
				`{"jsonrpc":"2.0","error":{"code":-32601,"message":"Method not found"},"id":"a"}`,
			})
		})

		Convey("a non-string method is an Invalid Request", func() {
			So(exchange(srv, `{"jsonrpc":"2.0","method":5,"id":2}`+"\r\n"), ShouldResemble, []string{
				`{"jsonrpc":"2.0","error":{"code":-32600,"message":"Invalid Request"},"id":2}`,
			})

			So(exchange(srv, `{"jsonrpc":"2.0","method":null,"id":2}`+"\r\n"), ShouldResemble, []string{
				`{"jsonrpc":"2.0","error":{"code":-32600,"message":"Invalid Request"},"id":2}`,
			})

			So(exchange(srv, `{"jsonrpc":"2.0","method":["add"],"id":2}`+"\r\n"), ShouldResemble, []string{
				`{"jsonrpc":"2.0","error":{"code":-32600,"message":"Invalid Request"},"id":2}`,
			})
		})

		Convey("scalar params are Invalid Parameters", func() {
			So(exchange(srv, `{"jsonrpc":"2.0","method":"add","params":3,"id":3}`+"\r\n"), ShouldResemble, []string{
				`{"jsonrpc":"2.0","error":{"code":-32602,"message":"Invalid Parameters"},"id":3}`,
			})
		})

		Convey("a handler refusing its arguments answers Invalid Parameters", func() {
			out := exchange(srv, `{"jsonrpc":"2.0","method":"add","params":[1],"id":4}`+"\r\n")
			So(out, ShouldHaveLength, 1)

			message, err := jsonrpc.Decode([]byte(out[0]))
			So(err, ShouldBeNil)
			So(message.Kind, ShouldEqual, jsonrpc.KindError)
			So(message.Error.Code, ShouldEqual, errors.CodeInvalidParams)
		})

		Convey("mistyped arguments answer Invalid Parameters", func() {
			out := exchange(srv, `{"jsonrpc":"2.0","method":"add","params":{"a":1},"id":5}`+"\r\n")
			message, _ := jsonrpc.Decode([]byte(out[0]))
			So(message.Error.Code, ShouldEqual, errors.CodeInvalidParams)
		})

		Convey("any other failure is an Internal Error carrying the reason", func() {
			So(exchange(srv, `{"jsonrpc":"2.0","method":"fail","id":6}`+"\r\n"), ShouldResemble, []string{
				`{"jsonrpc":"2.0","error":{"code":-32603,"message":"Internal Error","data":"disk on fire"},"id":6}`,
			})
		})

		Convey("a panicking handler is an Internal Error", func() {
			out := exchange(srv, `{"jsonrpc":"2.0","method":"panic","id":7}`+"\r\n")
			message, _ := jsonrpc.Decode([]byte(out[0]))
			So(message.Error.Code, ShouldEqual, errors.CodeInternal)
			So(message.Error.Data, ShouldEqual, "boom")
		})

		Convey("an RpcError from a handler is sent as is", func() {
			out := exchange(srv, `{"jsonrpc":"2.0","method":"teapot","id":8}`+"\r\n")
			message, _ := jsonrpc.Decode([]byte(out[0]))
			So(message.Error.Code, ShouldEqual, -32050)
			So(message.Error.Message, ShouldEqual, "I'm a teapot")
		})

		Convey("handlers can find their session", func() {
			So(exchange(srv, `{"jsonrpc":"2.0","method":"whoami","id":9}`+"\r\n"), ShouldResemble, []string{
				`{"jsonrpc":"2.0","result":"fake","id":9}`,
			})
		})

		Convey("a nil result is sent as null", func() {
			So(exchange(srv, `{"jsonrpc":"2.0","method":"nothing","id":10}`+"\r\n"), ShouldResemble, []string{
				`{"jsonrpc":"2.0","result":null,"id":10}`,
			})
		})

		Convey("malformed JSON answers Parse Error with a null id and draining continues", func() {
			out := exchange(srv, `{"jsonrpc":"2.0",`+"\r\n"+`{"jsonrpc":"2.0","method":"add","params":[2,2],"id":11}`+"\r\n")
			So(out, ShouldHaveLength, 2)
			So(out, ShouldContain, `{"jsonrpc":"2.0","error":{"code":-32700,"message":"Parse Error"},"id":null}`)
			So(out, ShouldContain, `{"jsonrpc":"2.0","result":4,"id":11}`)
		})

		Convey("a scalar message is an Invalid Request", func() {
			So(exchange(srv, "42\r\n"), ShouldResemble, []string{
				`{"jsonrpc":"2.0","error":{"code":-32600,"message":"Invalid Request"},"id":null}`,
			})
		})
	})

	Convey("Given a version 1 server", t, func() {
		options := config.Default()
		options.Version = jsonrpc.Version1
		srv := New(options, demoRegistry())

		Convey("responses carry both result and error", func() {
			So(exchange(srv, `{"method":"add","params":[1,2],"id":1}`+"\r\n"), ShouldResemble, []string{
				`{"result":3,"error":null,"id":1}`,
			})
		})

		Convey("a jsonrpc tag is an Invalid Request", func() {
			So(exchange(srv, `{"jsonrpc":"2.0","method":"add","params":[1,2],"id":2}`+"\r\n"), ShouldResemble, []string{
				`{"result":null,"error":{"code":-32600,"message":"Invalid Request"},"id":2}`,
			})
		})
	})
}

func TestFraming(t *testing.T) {
	Convey("Given a session", t, func() {
		srv := New(config.Default(), demoRegistry())
		conn := &fakeConn{}
		handler := srv.Accept(conn)

		Convey("two delimited messages in one chunk are both answered before a partial third", func() {
			handler.HandleData([]byte(
				`{"jsonrpc":"2.0","method":"add","params":[1,1],"id":1}` + "\r\n" +
					`{"jsonrpc":"2.0","method":"add","params":[2,2],"id":2}` + "\r\n" +
					`{"jsonrpc":"2.0","method":"add",`,
			))

			handler.(*Session).inflight.Wait()

			out := conn.lines()
			So(out, ShouldHaveLength, 2)
			So(out, ShouldContain, `{"jsonrpc":"2.0","result":2,"id":1}`)
			So(out, ShouldContain, `{"jsonrpc":"2.0","result":4,"id":2}`)

			Convey("and the third is answered once its tail arrives", func() {
				handler.HandleData([]byte(`"params":[3,3],"id":3}` + "\r\n"))
				handler.HandleEnd()

				So(conn.lines(), ShouldHaveLength, 3)
				So(conn.lines(), ShouldContain, `{"jsonrpc":"2.0","result":6,"id":3}`)
			})
		})
	})
}

func TestBatches(t *testing.T) {
	Convey("Given a version 2 server", t, func() {
		srv := New(config.Default(), demoRegistry())

		Convey("an empty batch is one bare Invalid Request", func() {
			So(exchange(srv, "[]\r\n"), ShouldResemble, []string{
				`{"jsonrpc":"2.0","error":{"code":-32600,"message":"Invalid Request"},"id":null}`,
			})
		})

		Convey("a mixed batch answers in input order and skips notifications", func() {
			out := exchange(srv, `[`+
				`{"jsonrpc":"2.0","method":"add","params":[1,2],"id":1},`+
				`{"jsonrpc":"2.0","method":"tick"},`+
				`{"jsonrpc":"2.0","method":"foo","id":2},`+
				`1,`+
				`{"jsonrpc":"2.0","method":"echo","params":["x"],"id":3}`+
				`]`+"\r\n")

			So(out, ShouldResemble, []string{`[` +
				`{"jsonrpc":"2.0","result":3,"id":1},` +
				`{"jsonrpc":"2.0","error":{"code":-32601,"message":"Method not found"},"id":2},` +
				`{"jsonrpc":"2.0","error":{"code":-32600,"message":"Invalid Request"},"id":null},` +
				`{"jsonrpc":"2.0","result":["x"],"id":3}` +
				`]`,
			})
		})

		Convey("a batch of notifications writes nothing", func() {
			So(exchange(srv, `[{"jsonrpc":"2.0","method":"tick"},{"jsonrpc":"2.0","method":"tock"}]`+"\r\n"), ShouldBeEmpty)
		})
	})
}

func TestNotifications(t *testing.T) {
	Convey("Given a server with listeners", t, func() {
		srv := New(config.Default(), demoRegistry())

		var (
			mu    sync.Mutex
			order []string
		)

		record := func(tag string) NotificationFunc {
			return func(session *Session, message jsonrpc.Message) {
				mu.Lock()
				defer mu.Unlock()
				order = append(order, tag+":"+string(message.Params))
			}
		}

		first := srv.OnNotify("tick", record("first"))
		srv.OnNotify("tick", record("second"))

		Convey("every listener runs in registration order and nothing is written", func() {
			So(exchange(srv, `{"jsonrpc":"2.0","method":"tick","params":[1]}`+"\r\n"), ShouldBeEmpty)
			So(order, ShouldResemble, []string{"first:[1]", "second:[1]"})
		})

		Convey("a removed listener no longer runs", func() {
			srv.RemoveNotify(first)
			exchange(srv, `{"jsonrpc":"2.0","method":"tick","params":[2]}`+"\r\n")
			So(order, ShouldResemble, []string{"second:[2]"})
		})

		Convey("removing all listeners silences the method", func() {
			srv.RemoveAllNotify("tick")
			exchange(srv, `{"jsonrpc":"2.0","method":"tick"}`+"\r\n")
			So(order, ShouldBeEmpty)
		})

		Convey("notifications for unknown methods are dropped", func() {
			So(exchange(srv, `{"jsonrpc":"2.0","method":"nobody"}`+"\r\n"), ShouldBeEmpty)
			So(order, ShouldBeEmpty)
		})
	})
}

func TestBroadcast(t *testing.T) {
	Convey("Given a server with no clients", t, func() {
		srv := New(config.Default(), nil)

		Convey("a broadcast reports that nobody is connected", func() {
			outcomes := srv.Notify("tick", []int{1})
			So(outcomes, ShouldHaveLength, 1)
			So(outcomes[0].Err, ShouldEqual, errors.ErrNoClients)
			So(outcomes.Err(), ShouldNotBeNil)
		})
	})

	Convey("Given two connected clients, one of them broken", t, func() {
		srv := New(config.Default(), nil)

		var connected, disconnected []string

		srv.OnClientConnected(func(session *Session) { connected = append(connected, session.ID()) })
		srv.OnClientDisconnected(func(session *Session) { disconnected = append(disconnected, session.ID()) })

		good := &fakeConn{}
		bad := &fakeConn{fail: transport.ErrClosed}

		goodSession := srv.Accept(good).(*Session)
		badSession := srv.Accept(bad).(*Session)

		So(connected, ShouldHaveLength, 2)
		So(srv.Sessions(), ShouldHaveLength, 2)

		Convey("the broadcast reaches the healthy client and reports the broken one", func() {
			outcomes := srv.Notify("tick", []int{1})
			So(outcomes, ShouldHaveLength, 2)

			for _, outcome := range outcomes {
				switch outcome.Session {
				case goodSession.ID():
					So(outcome.Err, ShouldBeNil)
				case badSession.ID():
					So(outcome.Err, ShouldEqual, transport.ErrClosed)
				}
			}

			So(good.lines(), ShouldResemble, []string{`{"jsonrpc":"2.0","method":"tick","params":[1]}`})
			So(outcomes.Err(), ShouldNotBeNil)
		})

		Convey("a single session can be notified directly", func() {
			So(goodSession.Notify("hello", map[string]string{"to": "you"}), ShouldBeNil)
			So(good.lines(), ShouldResemble, []string{`{"jsonrpc":"2.0","method":"hello","params":{"to":"you"}}`})
		})

		Convey("closed sessions stop receiving broadcasts", func() {
			badSession.HandleClose()
			badSession.HandleClose()

			So(disconnected, ShouldResemble, []string{badSession.ID()})
			So(srv.Sessions(), ShouldHaveLength, 1)

			outcomes := srv.Notify("tick", nil)
			So(outcomes, ShouldHaveLength, 1)
			So(outcomes.Err(), ShouldBeNil)
			So(good.lines(), ShouldResemble, []string{`{"jsonrpc":"2.0","method":"tick"}`})
		})

		Convey("Close closes every connection", func() {
			srv.Close()
			So(good.closed, ShouldBeTrue)
			So(bad.closed, ShouldBeTrue)
		})
	})
}

func TestConcurrentHandlers(t *testing.T) {
	Convey("Given a slow and a fast method", t, func() {
		registry := demoRegistry()
		release := make(chan struct{})

		registry.Register("slow", func(ctx context.Context, params json.RawMessage) (any, error) {
			<-release
			return "slow", nil
		})

		srv := New(config.Default(), registry)
		conn := &fakeConn{}
		handler := srv.Accept(conn)

		Convey("the fast answer is not held up by the slow one", func() {
			handler.HandleData([]byte(
				`{"jsonrpc":"2.0","method":"slow","id":1}` + "\r\n" +
					`{"jsonrpc":"2.0","method":"add","params":[1,1],"id":2}` + "\r\n",
			))

			deadline := time.Now().Add(2 * time.Second)

			for len(conn.lines()) == 0 && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}

			So(conn.lines(), ShouldResemble, []string{`{"jsonrpc":"2.0","result":2,"id":2}`})

			close(release)
			handler.HandleEnd()

			So(conn.lines(), ShouldHaveLength, 2)
			So(bytes.Contains([]byte(conn.lines()[1]), []byte(`"slow"`)), ShouldBeTrue)
		})
	})
}

func TestRegistry(t *testing.T) {
	Convey("Given a registry", t, func() {
		registry := demoRegistry()

		So(registry.Methods(), ShouldResemble, []string{"add", "echo", "fail", "nothing", "panic", "teapot", "whoami"})

		_, ok := registry.Lookup("add")
		So(ok, ShouldBeTrue)

		_, ok = registry.Lookup("missing")
		So(ok, ShouldBeFalse)
	})
}
