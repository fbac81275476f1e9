package monitoring

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/core-tools/hsu-beekeeper/pkg/errors"
	"github.com/core-tools/hsu-beekeeper/pkg/processstate"
)

// DefaultProbeTimeout bounds a single probe when the config leaves it unset.
const DefaultProbeTimeout = 2 * time.Second

// Target is what a probe is aimed at. Host defaults to localhost.
type Target struct {
	Host string
	Port int
	PID  int
}

func (t Target) address() string {
	host := t.Host
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(t.Port))
}

// WebSocketURL is the ping endpoint for target: ws://localhost:<port>/ by
// default.
func WebSocketURL(target Target, path string) string {
	if path == "" {
		path = "/"
	}
	u := url.URL{Scheme: "ws", Host: target.address(), Path: path}
	return u.String()
}

var errPongReceived = stderrors.New("pong received")

// WebSocketPing opens a WebSocket connection, sends a ping control frame and
// waits for the matching pong. A nil return means the peer answered in time.
func WebSocketPing(ctx context.Context, wsURL string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	deadline, _ := ctx.Deadline()

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return errors.NewNetworkError("websocket dial failed", err).WithContext("url", wsURL)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	payload := []byte(strconv.FormatInt(time.Now().UnixNano(), 10))
	conn.SetPongHandler(func(appData string) error {
		if appData != string(payload) {
			return nil
		}
		return errPongReceived
	})

	if err := conn.WriteControl(websocket.PingMessage, payload, deadline); err != nil {
		return errors.NewNetworkError("websocket ping write failed", err).WithContext("url", wsURL)
	}

	// Control frames are only processed while reading; the pong handler ends
	// the read loop by returning errPongReceived.
	if err := conn.SetReadDeadline(deadline); err != nil {
		return errors.NewNetworkError("failed to set read deadline", err)
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if stderrors.Is(err, errPongReceived) {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				return nil
			}
			return errors.NewHealthCheckError("no pong before deadline", err).WithContext("url", wsURL)
		}
	}
}

// TCPProbe succeeds if a TCP connection to address can be opened.
func TCPProbe(ctx context.Context, address string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return errors.NewNetworkError("tcp connection failed", err).WithContext("address", address)
	}
	return conn.Close()
}

// GRPCHealthProbe calls grpc.health.v1.Health/Check and requires SERVING.
func GRPCHealthProbe(ctx context.Context, address, service string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return errors.NewNetworkError("grpc dial failed", err).WithContext("address", address)
	}
	defer conn.Close()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		return errors.NewNetworkError("grpc health check failed", err).WithContext("address", address)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return errors.NewHealthCheckError(fmt.Sprintf("grpc service status %s", resp.GetStatus()), nil).
			WithContext("address", address).
			WithContext("service", service)
	}
	return nil
}

// ProcessProbe only checks OS-level liveness.
func ProcessProbe(pid int) error {
	if pid <= 0 {
		return errors.NewValidationError("process probe requires a PID", nil)
	}
	running, err := processstate.IsProcessRunning(pid)
	if err != nil {
		return errors.NewHealthCheckError(fmt.Sprintf("failed to check process: PID %d", pid), err)
	}
	if !running {
		return errors.NewHealthCheckError(fmt.Sprintf("process not running: PID %d", pid), nil)
	}
	return nil
}

// Probe runs the check selected by config against target once.
func Probe(ctx context.Context, config HealthCheckConfig, target Target) error {
	timeout := config.RunOptions.Timeout
	switch config.Type {
	case "", HealthCheckTypeWebSocket:
		return WebSocketPing(ctx, WebSocketURL(target, config.WebSocket.Path), timeout)
	case HealthCheckTypeTCP:
		return TCPProbe(ctx, target.address(), timeout)
	case HealthCheckTypeGRPC:
		return GRPCHealthProbe(ctx, target.address(), config.GRPC.Service, timeout)
	case HealthCheckTypeProcess:
		return ProcessProbe(target.PID)
	default:
		return errors.NewValidationError("unsupported health check type: "+string(config.Type), nil)
	}
}

// RunProbe runs Probe and times it.
func RunProbe(ctx context.Context, config HealthCheckConfig, target Target) ProbeResult {
	config = WithDefaults(config)
	start := time.Now()
	err := Probe(ctx, config, target)
	result := ProbeResult{
		Type:     config.Type,
		Healthy:  err == nil,
		Duration: time.Since(start),
		Message:  string(config.Type) + " probe passed",
	}
	if err != nil {
		result.Message = err.Error()
	}
	return result
}
