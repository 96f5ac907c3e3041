// Package main is a command-line viewer that follows one live session and
// prints the role and media transitions it observes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang-jwt/jwt/v5"

	"github.com/onnwee/livestage/internal/auth"
	"github.com/onnwee/livestage/internal/middleware"
	"github.com/onnwee/livestage/internal/stream"
	"github.com/onnwee/livestage/internal/viewer"
)

// Output formats.
const (
	formatText = "text"
	formatJSON = "json"
)

var (
	errMissingStream = errors.New("-stream is required")
	errMissingViewer = errors.New("viewer id could not be determined; pass -viewer or a token with a subject")
	errBadFormat     = errors.New("-format must be text or json")
)

type options struct {
	server   string
	token    string
	streamID string
	viewerID string
	encoding stream.Encoding
	format   string
}

func main() {
	help := flag.Bool("help", false, "display help message")
	opts := options{}
	flag.StringVar(&opts.server, "server", envOr("LIVESTAGE_URL", "http://localhost:8080"), "livestage server URL")
	flag.StringVar(&opts.token, "token", os.Getenv("LIVESTAGE_TOKEN"), "bearer token (defaults to $LIVESTAGE_TOKEN)")
	flag.StringVar(&opts.streamID, "stream", "", "stream session id to follow")
	flag.StringVar(&opts.viewerID, "viewer", "", "participant id to report for (defaults to the token subject)")
	encoding := flag.String("encoding", string(stream.EncodingJSON), "feed frame encoding: json or cbor")
	flag.StringVar(&opts.format, "format", formatText, "output format: text or json")
	flag.Parse()

	if *help {
		fmt.Println("livestage session watcher")
		fmt.Println()
		fmt.Println("Usage: watch -stream <id> [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}
	opts.encoding = stream.Encoding(*encoding)

	logger := middleware.NewLogger(envOr("LIVESTAGE_ENV", "development"))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("watch failed", "error", err)
		os.Exit(1)
	}
}

// run follows opts.streamID until the session ends, ctx is cancelled or the
// session turns out not to exist.
func run(ctx context.Context, opts options, out io.Writer, logger *slog.Logger) error {
	if opts.streamID == "" {
		return errMissingStream
	}
	if opts.format != formatText && opts.format != formatJSON {
		return errBadFormat
	}
	if opts.encoding != stream.EncodingJSON && opts.encoding != stream.EncodingCBOR {
		return fmt.Errorf("unsupported encoding %q", opts.encoding)
	}
	viewerID := opts.viewerID
	if viewerID == "" {
		viewerID = subjectOf(opts.token)
	}
	if viewerID == "" {
		return errMissingViewer
	}

	printer := newPrinter(out, opts.format)
	reconciler := viewer.NewReconciler(opts.streamID, viewerID, printer.print, logger)
	bridge, err := viewer.NewBridge(
		viewer.DefaultConfig(opts.streamID),
		viewer.NewWebSocketSource(opts.server, opts.token, opts.encoding, logger),
		viewer.NewHTTPFetcher(opts.server, opts.token, nil),
		reconciler,
		logger,
	)
	if err != nil {
		return err
	}

	logger.Info("watching stream",
		slog.String("stream_id", opts.streamID),
		slog.String("viewer_id", viewerID),
		slog.String("server", opts.server))
	if err := bridge.Run(ctx); err != nil {
		return err
	}
	return printer.err
}

// subjectOf reads the participant id from token without verifying it; the
// server verifies every request.
func subjectOf(token string) string {
	if token == "" {
		return ""
	}
	claims := &auth.Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	return claims.ParticipantID()
}

type printer struct {
	out    io.Writer
	format string
	enc    *json.Encoder
	err    error
}

func newPrinter(out io.Writer, format string) *printer {
	return &printer{out: out, format: format, enc: json.NewEncoder(out)}
}

// print writes one notification. The first write error is kept and later
// notifications are dropped.
func (p *printer) print(n viewer.Notification) {
	if p.err != nil {
		return
	}
	if p.format == formatJSON {
		p.err = p.enc.Encode(n)
		return
	}
	line := fmt.Sprintf("v%d %s", n.Version, n.Kind)
	if n.SubjectID != "" {
		line += " " + n.SubjectID
	}
	_, p.err = fmt.Fprintln(p.out, line)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
