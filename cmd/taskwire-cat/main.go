// taskwire-cat starts one streaming task against a taskwired instance and
// writes the received chunks to stdout as they arrive.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/taskwire/taskwire-go/pkg/client"
)

func main() {
	var (
		url       = flag.String("url", "ws://localhost:8080/ws", "WebSocket endpoint")
		streamUrl = flag.String("stream", "http://localhost:8080/stream", "fallback stream endpoint")
		token     = flag.String("token", "", "bearer token")
		domain    = flag.String("domain", "chat", "task domain")
		method    = flag.String("method", "auto", "transport: auto, websocket or stream")
		timeout   = flag.Duration("timeout", time.Minute, "overall timeout")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		log.Fatalf("Usage: %s [flags] prompt", os.Args[0])
	}
	prompt := flag.Arg(0)

	config := client.Config{
		URL:       *url,
		StreamURL: *streamUrl,
		Method:    client.Method(*method),
	}
	if *token != "" {
		config.Tokens = client.StaticToken(*token)
	}

	cm := client.NewConnectionManager(config)
	defer cm.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if client.Method(*method) != client.MethodStream {
		if err := cm.Connect(); err != nil {
			log.WithError(err).Warn("Connecting errored; the stream transport takes over")
		} else if err := cm.WaitAuthenticated(ctx); err != nil {
			log.WithError(err).Fatal("Authentication errored")
		}
	}

	taskId, err := cm.StartTask(ctx, *domain, map[string]interface{}{
		"prompt": prompt,
	}, client.StartOptions{
		TaskOptions: client.TaskOptions{
			OnChunk: func(content string) {
				fmt.Print(content)
			},
		},
	})
	if err != nil {
		log.WithError(err).Fatal("Starting task errored")
	}

	handle, err := cm.Registry().WaitFor(taskId)
	if err != nil {
		log.WithError(err).Fatal("Awaiting task errored")
	}

	if _, err := handle.Await(ctx); err != nil {
		fmt.Println()
		log.WithError(err).Fatal("Task errored")
	}
	fmt.Println()
}
