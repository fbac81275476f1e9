// fakeswarm stands in for the swarm daemon in manual hive runs: it reads
// bluzelle.json from its working directory and answers WebSocket pings on
// the configured listener port.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	flags "github.com/jessevdk/go-flags"
	"github.com/tidwall/gjson"
)

type flagOptions struct {
	Port         int    `long:"port" description:"overrides listener_port from bluzelle.json"`
	ListenerPort int    `long:"listener-port" description:"same as --port, accepted so config arguments can be passed"`
	RunDuration  int    `long:"run-duration" description:"Duration in seconds to run before exiting"`
	CrashAfter   int    `long:"crash-after" description:"exit with --exit-code after this many seconds"`
	ExitCode     int    `long:"exit-code" default:"1" description:"exit code used by --crash-after"`
	IgnoreTerm   bool   `long:"ignore-term" description:"ignore SIGTERM, only SIGKILL stops the process"`
	ConfigFile   string `long:"config" default:"bluzelle.json" description:"config file, relative to the working directory"`
}

var upgrader = websocket.Upgrader{}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag|flags.IgnoreUnknown)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	content, err := os.ReadFile(opts.ConfigFile)
	if err != nil {
		fmt.Printf("Failed to read config: %v\n", err)
		os.Exit(2)
	}
	if !gjson.ValidBytes(content) {
		fmt.Printf("Config %s is not valid JSON\n", opts.ConfigFile)
		os.Exit(2)
	}
	config := gjson.ParseBytes(content)

	port := int(config.Get("listener_port").Int())
	if opts.ListenerPort != 0 {
		port = opts.ListenerPort
	}
	if opts.Port != 0 {
		port = opts.Port
	}
	if port == 0 {
		fmt.Println("listener_port is required")
		os.Exit(2)
	}

	fmt.Printf("Running fakeswarm, stack: %s, port: %d, debug: %t\n",
		config.Get("stack").String(), port, config.Get("debug_logging").Bool())

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to listen: %v\n", err)
		os.Exit(3)
	}

	server := &http.Server{Handler: http.HandlerFunc(serveWebSocket), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
			os.Exit(3)
		}
	}()

	ctx := context.Background()
	if opts.RunDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.RunDuration)*time.Second)
		defer cancel()
	}

	var crash <-chan time.Time
	if opts.CrashAfter > 0 {
		crash = time.After(time.Duration(opts.CrashAfter) * time.Second)
	}

	if opts.IgnoreTerm {
		signal.Ignore(syscall.SIGTERM)
	}

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else if opts.IgnoreTerm {
		signal.Notify(sig, os.Interrupt)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}

	fmt.Printf("fakeswarm is ready\n")

	select {
	case receivedSignal := <-sig:
		fmt.Printf("fakeswarm received signal: %v\n", receivedSignal)
	case <-ctx.Done():
		fmt.Printf("fakeswarm timed out\n")
	case <-crash:
		fmt.Fprintf(os.Stderr, "fakeswarm crashing with exit code %d\n", opts.ExitCode)
		os.Exit(opts.ExitCode)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	fmt.Printf("fakeswarm stopped\n")
}

// serveWebSocket keeps reading so the default ping handler can answer.
func serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Upgrade failed: %v\n", err)
		return
	}
	defer conn.Close()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(messageType, message); err != nil {
			return
		}
	}
}
