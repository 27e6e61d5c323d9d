// Command walletcored hosts one walletcore runtime over stdio, the way
// cmd/arcsign's dashboard mode hosts one CLI invocation over env
// vars/stdout: line-delimited JSON envelopes in on stdin, line-delimited
// JSON envelopes out on stdout, structured logs to stderr. The actual
// browser-extension message transport is out of scope (spec.md §1); this
// entrypoint exists so the provider wire protocol and the UI bridge have
// a running process to drive them in development and integration tests,
// with the framing swapped out for whatever real transport a host
// application provides.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/shieldkey/walletcore/internal/config"
	"github.com/shieldkey/walletcore/internal/providerbridge"
	"github.com/shieldkey/walletcore/internal/runtime"
)

const stdioSessionID = "stdio"

// stdoutSender writes every envelope it's asked to deliver as one JSON
// line on stdout, mirroring internal/cli's WriteJSON idiom of one
// machine-readable line per response.
type stdoutSender struct {
	enc *json.Encoder
}

func (s *stdoutSender) Send(_ context.Context, env providerbridge.Envelope) error {
	return s.enc.Encode(env)
}

func main() {
	cfg := config.Load()

	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "walletcored: build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	rt, err := runtime.New(cfg, log)
	if err != nil {
		log.Fatal("construct runtime", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wsURL := os.Getenv("WALLETCORE_SUBSCRIPTION_WS_URL")
	if err := rt.Start(ctx, wsURL); err != nil {
		log.Fatal("start runtime", zap.Error(err))
	}
	defer rt.Destroy()

	sender := &stdoutSender{enc: json.NewEncoder(os.Stdout)}
	rt.Provider.RegisterSession(stdioSessionID, "internal://stdio", sender)
	defer rt.Provider.UnregisterSession(stdioSessionID)

	log.Info("walletcored ready", zap.String("dataDir", cfg.DataDir))
	runStdioLoop(ctx, rt, sender, log)
}

// runStdioLoop decodes one envelope per line of stdin and dispatches it
// through the provider bridge until stdin closes or ctx is canceled.
func runStdioLoop(ctx context.Context, rt *runtime.Runtime, sender *stdoutSender, log *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var in providerbridge.Envelope
		if err := json.Unmarshal(line, &in); err != nil {
			log.Warn("discard malformed envelope", zap.Error(err))
			continue
		}

		out, err := rt.Provider.HandleEnvelope(ctx, stdioSessionID, in)
		if err != nil {
			out = providerbridge.Envelope{
				Channel: providerbridge.Channel, SessionID: stdioSessionID,
				Type: providerbridge.EnvelopeResponse, ID: in.ID,
				Error: &providerbridge.WireError{Code: -32600, Message: err.Error()},
			}
		}
		if sendErr := sender.Send(ctx, out); sendErr != nil {
			log.Warn("write response envelope", zap.Error(sendErr))
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("stdin scan stopped", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	switch level {
	case "debug":
		return zap.NewDevelopment()
	default:
		cfg := zap.NewProductionConfig()
		cfg.OutputPaths = []string{"stderr"}
		return cfg.Build()
	}
}
