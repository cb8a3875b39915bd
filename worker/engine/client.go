package engine

import (
	"context"
	"fmt"

	"github.com/arminnakhjiri/BasicGEE/mas/catalog"
	"github.com/arminnakhjiri/BasicGEE/processor"
	"github.com/arminnakhjiri/BasicGEE/utils"
	"golang.org/x/oauth2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

type DialOptions struct {
	// MaxMsgSize bounds both directions; tiles and exports are large.
	MaxMsgSize int
	// TLS selects system root certificates instead of plaintext.
	TLS bool
	// TokenSource, when set, authenticates every call.
	TokenSource oauth2.TokenSource
}

// Client talks the engine protocol to a hosted engine or a worker node.
type Client struct {
	Address string
	conn    *grpc.ClientConn
}

func Dial(addr string, opts DialOptions) (*Client, error) {
	if opts.MaxMsgSize <= 0 {
		opts.MaxMsgSize = utils.DefaultRecvMsgSize
	}

	transport := insecure.NewCredentials()
	if opts.TLS {
		transport = credentials.NewClientTLSFromCert(nil, "")
	}
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(transport),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(opts.MaxMsgSize),
			grpc.MaxCallSendMsgSize(opts.MaxMsgSize),
		),
	}
	if opts.TokenSource != nil {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(&tokenCredentials{source: opts.TokenSource, secure: opts.TLS}))
	}

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to engine at %s: %w", addr, err)
	}
	return &Client{Address: addr, conn: conn}, nil
}

// NewClientFromConn wraps an existing connection. Close closes it.
func NewClientFromConn(conn *grpc.ClientConn) *Client {
	return &Client{Address: conn.Target(), conn: conn}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Query(ctx context.Context, f catalog.Filter, region *processor.Region) (catalog.SceneCollection, error) {
	in, err := encodeQuery(f, region)
	if err != nil {
		return nil, err
	}
	out, err := c.invoke(ctx, methodQuery, in)
	if err != nil {
		return nil, fmt.Errorf("engine query %s: %w", f.Collection, err)
	}
	var res sceneList
	if err := fromStruct(out, &res); err != nil {
		return nil, err
	}
	if res.Scenes == nil {
		res.Scenes = catalog.SceneCollection{}
	}
	return res.Scenes, nil
}

// EvaluateTile makes a Client usable as a processor.TileEvaluator.
func (c *Client) EvaluateTile(ctx context.Context, tile *processor.BandSet, expr, name string) (*processor.Raster, error) {
	in, err := encodeEvaluate(tile, expr, name)
	if err != nil {
		return nil, err
	}
	out, err := c.invoke(ctx, methodEvaluate, in)
	if err != nil {
		return nil, fmt.Errorf("engine %s evaluate %q: %w", c.Address, expr, err)
	}
	return DecodeRaster(out)
}

func (c *Client) Train(ctx context.Context, table *processor.TrainingTable, spec ModelSpec) (*Model, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	in, err := encodeTrain(table, spec)
	if err != nil {
		return nil, err
	}
	out, err := c.invoke(ctx, methodTrain, in)
	if err != nil {
		return nil, fmt.Errorf("engine train %s %s: %w", spec.Kind, spec.Algorithm, err)
	}
	var res trainResult
	if err := fromStruct(out, &res); err != nil {
		return nil, err
	}
	if len(res.ModelID) == 0 {
		return nil, fmt.Errorf("engine returned no model id")
	}
	if len(res.Kind) == 0 {
		res.Kind = spec.Kind
	}
	return &Model{ID: res.ModelID, Kind: res.Kind, Accuracy: res.Accuracy}, nil
}

func (c *Client) Classify(ctx context.Context, modelID string, bs *processor.BandSet) (*processor.Raster, error) {
	in, err := encodeClassify(modelID, bs)
	if err != nil {
		return nil, err
	}
	out, err := c.invoke(ctx, methodClassify, in)
	if err != nil {
		return nil, fmt.Errorf("engine classify with %s: %w", modelID, err)
	}
	return DecodeRaster(out)
}

func (c *Client) SubmitExport(ctx context.Context, bs *processor.BandSet, spec ExportSpec) (string, error) {
	in, err := encodeExport(bs, spec)
	if err != nil {
		return "", err
	}
	out, err := c.invoke(ctx, methodExport, in)
	if err != nil {
		return "", fmt.Errorf("engine export %s: %w", spec.Description, err)
	}
	return stringField(out, "job_id")
}
