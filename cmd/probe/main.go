// Command probe connects to a relay, sends every stdin line as a text frame
// and prints every frame it receives. It reconnects when the relay drops it.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lukasbonthy/EaglerLink/internal/obs"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func main() {
	if err := newProbeCommand(os.Stdin, os.Stdout).Execute(); err != nil {
		obs.Error("probe.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}

func newProbeCommand(in io.Reader, out io.Writer) *cobra.Command {
	var cfg Config
	cmd := &cobra.Command{
		Use:           "probe <ws-url>",
		Short:         "Exchange frames with a relay from the terminal",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.URL = args[0]
			obs.EnableDebug(cfg.Debug)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runProbe(ctx, cfg, newLineSource(in), out)
		},
	}
	cfg.bindFlags(cmd.Flags())
	return cmd
}

// lineSource reads stdin once for the whole process so a reconnect does not
// lose buffered input.
type lineSource struct {
	lines chan string
}

func newLineSource(r io.Reader) *lineSource {
	s := &lineSource{lines: make(chan string)}
	go func() {
		defer close(s.lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			s.lines <- sc.Text()
		}
	}()
	return s
}

func runProbe(ctx context.Context, cfg Config, src *lineSource, out io.Writer) error {
	obs.Info("probe.start", obs.Fields{"url": cfg.URL, "protocols": cfg.Protocols})
	for {
		err := runOnce(ctx, cfg, src, out)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, io.EOF):
			// stdin finished and the connection was closed cleanly
			return nil
		case !cfg.Reconnect:
			return err
		}
		obs.Warn("probe.disconnected", obs.Fields{"err": errString(err)})
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.RetryDelay):
		}
		obs.Info("probe.reconnecting", obs.Fields{"url": cfg.URL})
	}
}

func runOnce(ctx context.Context, cfg Config, src *lineSource, out io.Writer) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.Timeout,
		Subprotocols:     cfg.Protocols,
	}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return errors.Wrapf(err, "relay answered %d", resp.StatusCode)
		}
		return errors.Wrap(err, "dial")
	}
	defer conn.Close()
	obs.Info("probe.connected", obs.Fields{"url": cfg.URL, "protocol": conn.Subprotocol()})

	readErr := make(chan error, 1)
	go func() {
		for {
			mt, p, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			printFrame(out, mt, p)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return ctx.Err()
		case err := <-readErr:
			return errors.Wrap(err, "read")
		case line, ok := <-src.lines:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				select {
				case <-readErr:
				case <-time.After(cfg.Timeout):
				}
				return io.EOF
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return errors.Wrap(err, "write")
			}
		}
	}
}

func printFrame(out io.Writer, mt int, p []byte) {
	if mt == websocket.BinaryMessage {
		fmt.Fprintf(out, "< [%d bytes] %s\n", len(p), hex.EncodeToString(p))
		return
	}
	fmt.Fprintf(out, "< %s\n", p)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
