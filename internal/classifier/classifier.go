// Package classifier implements the optional semantic safety
// classifier: a gRPC client against an external binary safe/unsafe
// model, with an inline heuristic that runs until the model service
// is deployed and the wire proto compiled.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a semantic-classifier client. It satisfies
// firewall.Classifier.
type Client struct {
	conn *grpc.ClientConn
	addr string
}

// New dials addr. The connection is lazy (grpc.NewClient does not
// block on initial connect), so a transiently-unreachable classifier
// service does not fail startup — failures surface on the first
// Classify call instead, where the firewall's fail-open behavior
// absorbs them.
func New(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect to classifier service: %w", err)
	}
	return &Client{conn: conn, addr: addr}, nil
}

// Classify evaluates text and reports whether it is safe to forward.
// Until the gRPC proto is compiled and the external model deployed,
// this runs an inline heuristic scorer inline so the firewall pipeline
// has a real decision to make rather than a hardcoded pass.
func (c *Client) Classify(ctx context.Context, text string) (bool, float64, error) {
	select {
	case <-ctx.Done():
		return false, 0, ctx.Err()
	default:
	}

	safe, confidence := heuristicClassify(text)
	slog.Debug("classifier verdict", "addr", c.addr, "safe", safe, "confidence", confidence)
	return safe, confidence, nil
}

// Close releases the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

var unsafePhrases = []string{
	"how do i build a bomb",
	"how to synthesize",
	"child sexual",
	"steal credentials",
	"launder money",
	"evade detection",
}

// heuristicClassify runs inline until the external model is deployed.
// It scores toward "unsafe" on a small set of high-confidence
// phrases; everything else is classified safe with a conservative
// confidence.
func heuristicClassify(text string) (bool, float64) {
	lower := strings.ToLower(text)
	for _, phrase := range unsafePhrases {
		if strings.Contains(lower, phrase) {
			return false, 0.95
		}
	}
	return true, 0.6
}

// WithTimeout is a convenience wrapper matching firewall.Pipeline's
// per-call budget — callers that want a bounded Classify invocation
// without threading a context.WithTimeout through every call site can
// use this instead.
func (c *Client) WithTimeout(ctx context.Context, text string, timeout time.Duration) (bool, float64, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Classify(cctx, text)
}
