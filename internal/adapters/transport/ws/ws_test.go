package ws_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/okian/fedlab/internal/adapters/learner/sim"
	"github.com/okian/fedlab/internal/adapters/transport/ws"
	"github.com/okian/fedlab/internal/domain/model"
	"github.com/okian/fedlab/internal/domain/params"
	"github.com/okian/fedlab/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

type harness struct {
	srv       *httptest.Server
	connected chan *ws.Proxy
	gone      chan string
}

func newHarness(reject error) *harness {
	h := &harness{connected: make(chan *ws.Proxy, 4), gone: make(chan string, 4)}
	server := ws.NewServer(
		func(p *ws.Proxy) error {
			if reject != nil {
				return reject
			}
			h.connected <- p
			return nil
		},
		func(p *ws.Proxy) { h.gone <- p.ID() },
		ws.WithHelloTimeout(time.Second),
	)
	h.srv = httptest.NewServer(server)
	return h
}

func (h *harness) addr() string {
	return strings.TrimPrefix(h.srv.URL, "http://")
}

func TestRoundTrip(t *testing.T) {
	Convey("Given a coordinator endpoint and a connected sim client", t, func() {
		h := newHarness(nil)
		defer h.srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client := ws.NewClient(h.addr(), "7", sim.New(sim.WithStddev(0)), ws.WithConnectRetries(0, 0))
		runErr := make(chan error, 1)
		go func() { runErr <- client.Run(ctx) }()

		var proxy *ws.Proxy
		select {
		case proxy = <-h.connected:
		case <-ctx.Done():
			t.Fatal("client never connected")
		}
		So(proxy.ID(), ShouldEqual, "7")

		Convey("When the coordinator drives a round", func() {
			initial, err := proxy.GetParameters(ctx)
			So(err, ShouldBeNil)
			So(initial.Shapes(), ShouldResemble, [][]int{{2, 2}})

			fit, err := proxy.Fit(ctx, 1, initial, model.RoundConfig{LocalEpochs: 2, LearningRate: 0.1})
			So(err, ShouldBeNil)
			eval, err := proxy.Evaluate(ctx, 1, fit.Parameters, model.RoundConfig{})
			So(err, ShouldBeNil)

			Convey("Then the replies carry the trained values", func() {
				So(fit.NumExamples, ShouldEqual, sim.NumExamples)
				So(fit.Parameters[0].Data, ShouldResemble, []float32{2, 2, 2, 2})
				So(fit.Metadata[model.MetaLocalEpochs], ShouldEqual, 2)
				So(eval.Loss, ShouldEqual, 2)
				So(eval.Metrics.Accuracy, ShouldAlmostEqual, 0.02)
				So(eval.NumExamples, ShouldEqual, sim.NumExamples)
			})

			Convey("And when the run ends", func() {
				So(proxy.Reconnect(ctx), ShouldBeNil)

				Convey("Then the client returns cleanly", func() {
					select {
					case err := <-runErr:
						So(err, ShouldBeNil)
					case <-ctx.Done():
						t.Fatal("client did not stop")
					}
				})
			})
		})

		Convey("When parameters of the wrong shape are sent", func() {
			_, err := proxy.Fit(ctx, 1, params.Parameters{params.NewTensor(3)}, model.RoundConfig{LocalEpochs: 1, LearningRate: 0.1})

			Convey("Then the client reports a shape mismatch", func() {
				So(errors.Is(err, params.ErrShapeMismatch), ShouldBeTrue)
				var remote *ws.RemoteError
				So(errors.As(err, &remote), ShouldBeTrue)
				So(remote.Code, ShouldEqual, ws.CodeShapeMismatch)
			})
		})

		Convey("When a call outlives its deadline", func() {
			short, stop := context.WithCancel(ctx)
			stop()
			_, err := proxy.GetParameters(short)
			So(errors.Is(err, context.Canceled), ShouldBeTrue)

			Convey("Then the session keeps working", func() {
				p, err := proxy.GetParameters(ctx)
				So(err, ShouldBeNil)
				So(p, ShouldHaveLength, 1)
			})
		})

		Convey("When the client goes away", func() {
			cancel()
			select {
			case id := <-h.gone:
				So(id, ShouldEqual, "7")
			case <-time.After(2 * time.Second):
				t.Fatal("disconnect not observed")
			}

			Convey("Then calls fail with ErrClosed", func() {
				_, err := proxy.GetParameters(context.Background())
				So(errors.Is(err, ws.ErrClosed), ShouldBeTrue)
			})
		})
	})
}

func TestHello(t *testing.T) {
	Convey("Given a coordinator endpoint", t, func() {
		h := newHarness(nil)
		defer h.srv.Close()
		url := "ws://" + h.addr() + ws.Path

		Convey("When a client announces no id", func() {
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			So(err, ShouldBeNil)
			defer conn.Close()
			So(conn.WriteJSON(ws.Hello{Kind: ws.KindHello}), ShouldBeNil)

			Convey("Then a random id is assigned", func() {
				select {
				case p := <-h.connected:
					So(p.ID(), ShouldHaveLength, 36)
				case <-time.After(2 * time.Second):
					t.Fatal("client never registered")
				}
			})
		})

		Convey("When the first frame is not a hello", func() {
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			So(err, ShouldBeNil)
			defer conn.Close()
			So(conn.WriteJSON(ws.Hello{Kind: "fit"}), ShouldBeNil)

			Convey("Then the connection is closed without registering", func() {
				_, _, err := conn.ReadMessage()
				So(err, ShouldNotBeNil)
				So(h.connected, ShouldHaveLength, 0)
			})
		})
	})

	Convey("Given a coordinator refusing clients", t, func() {
		h := newHarness(errors.New("duplicate client"))
		defer h.srv.Close()
		client := ws.NewClient(h.addr(), "1", sim.New(), ws.WithConnectRetries(0, 0))

		Convey("Then the client sees the connection drop", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			err := client.Run(ctx)
			So(errors.Is(err, ws.ErrConnectionLost), ShouldBeTrue)
		})
	})
}

func TestDial(t *testing.T) {
	Convey("Given no coordinator listening", t, func() {
		client := ws.NewClient("127.0.0.1:1", "", sim.New(), ws.WithConnectRetries(1, 10*time.Millisecond))

		Convey("Then the client gives up after its retries", func() {
			err := client.Run(context.Background())
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "after 2 attempts")
			So(client.ID(), ShouldNotBeEmpty)
		})

		Convey("Then host:port addresses map to the /fl endpoint", func() {
			So(ws.NewClient("10.0.0.5:8080", "1", nil).URL(), ShouldEqual, "ws://10.0.0.5:8080/fl")
			So(ws.NewClient("ws://h:1/x", "1", nil).URL(), ShouldEqual, "ws://h:1/x")
		})
	})
}
