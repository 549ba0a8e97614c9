package orchestrator

import (
	"context"
	"math/rand"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"yuzu/tutor/internal/tutor"
)

// Client calls the Sequencer service. Unavailable errors are retried with
// jittered exponential backoff.
type Client struct {
	cc      grpc.ClientConnInterface
	token   string
	retries int
}

// Dial connects to addr without TLS. token may be empty.
func Dial(addr, token string, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return NewClient(conn, token), conn, nil
}

func NewClient(cc grpc.ClientConnInterface, token string) *Client {
	return &Client{cc: cc, token: token, retries: 3}
}

func (c *Client) call(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}
	for attempt := 0; ; attempt++ {
		out := new(structpb.Struct)
		err = c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out)
		if err == nil {
			return out, nil
		}
		if status.Code(err) != codes.Unavailable || attempt >= c.retries {
			return nil, err
		}
		if err := backoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

func backoff(ctx context.Context, attempt int) error {
	// base 200ms, capped, with jitter
	base := 200 * time.Millisecond
	pow := 1 << uint(min(attempt, 5))
	timer := time.NewTimer(time.Duration(pow)*base + time.Duration(rand.Int63n(int64(base))))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Advance(ctx context.Context, sessionID string) (tutor.Directive, error) {
	var d tutor.Directive
	out, err := c.call(ctx, "Advance", map[string]any{"session_id": sessionID})
	if err != nil {
		return d, err
	}
	err = fromStruct(out, &d)
	return d, err
}

func (c *Client) Progress(ctx context.Context, sessionID string) (tutor.Progress, error) {
	var p tutor.Progress
	out, err := c.call(ctx, "Progress", map[string]any{"session_id": sessionID})
	if err != nil {
		return p, err
	}
	err = fromStruct(out, &p)
	return p, err
}

func (c *Client) RaiseHand(ctx context.Context, sessionID string) error {
	_, err := c.call(ctx, "RaiseHand", map[string]any{"session_id": sessionID})
	return err
}

func (c *Client) LowerHand(ctx context.Context, sessionID string) error {
	_, err := c.call(ctx, "LowerHand", map[string]any{"session_id": sessionID})
	return err
}

func (c *Client) ConfirmUnderstanding(ctx context.Context, sessionID, response string) (bool, error) {
	out, err := c.call(ctx, "ConfirmUnderstanding", map[string]any{"session_id": sessionID, "response": response})
	if err != nil {
		return false, err
	}
	return out.GetFields()["understood"].GetBoolValue(), nil
}

func (c *Client) Interrupt(ctx context.Context, sessionID string) (bool, error) {
	out, err := c.call(ctx, "Interrupt", map[string]any{"session_id": sessionID})
	if err != nil {
		return false, err
	}
	return out.GetFields()["honoured"].GetBoolValue(), nil
}
