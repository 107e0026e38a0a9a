package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/meerkat-bl/bluse/kernel/api"
	"github.com/meerkat-bl/bluse/kernel/model"
	"github.com/meerkat-bl/bluse/kernel/store"
	"github.com/pkg/errors"
)

const StatusURI = "bluse://status"

type BluseMCPServer struct {
	server *server.MCPServer
	source api.Source
	kv     store.KeyValueStore
}

// NewBluseMCPServer exposes product status read from source. kv may be nil,
// in which case the read_sensor tool is not offered.
func NewBluseMCPServer(source api.Source, kv store.KeyValueStore) *BluseMCPServer {
	srv := server.NewMCPServer(
		"Bluse Product Coordinator",
		"v1.0.0",
		server.WithResourceCapabilities(true, true),
		server.WithToolCapabilities(true),
	)

	bs := &BluseMCPServer{
		server: srv,
		source: source,
		kv:     kv,
	}

	bs.registerTools()
	bs.registerResources()

	return bs
}

func (bs *BluseMCPServer) ServeStdio() error {
	return server.ServeStdio(bs.server)
}

func (bs *BluseMCPServer) registerTools() {
	bs.server.AddTool(mcp.NewTool("list_products",
		mcp.WithDescription("List the data products the coordinator is tracking"),
	), bs.listProductsHandler)

	bs.server.AddTool(mcp.NewTool("get_product",
		mcp.WithDescription("Get the record, subscription and recent sensor values of one data product"),
		mcp.WithString("product_id",
			mcp.Description("Data product id, e.g. array_1"),
			mcp.Required(),
		),
	), bs.getProductHandler)

	if bs.kv != nil {
		bs.server.AddTool(mcp.NewTool("read_sensor",
			mcp.WithDescription("Read the last stored value of a sensor for a data product"),
			mcp.WithString("product_id",
				mcp.Description("Data product id"),
				mcp.Required(),
			),
			mcp.WithString("sensor",
				mcp.Description("Full sensor name, e.g. m000_marked_faulty"),
				mcp.Required(),
			),
		), bs.readSensorHandler)
	}
}

func (bs *BluseMCPServer) registerResources() {
	resource := mcp.NewResource(StatusURI, "Bluse Status",
		mcp.WithResourceDescription("Current lifecycle state of all data products"),
		mcp.WithMIMEType("application/json"),
	)
	bs.server.AddResource(resource, bs.statusHandler)
}

func (bs *BluseMCPServer) listProductsHandler(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	products, err := bs.source.Products(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list products: %v", err)), nil
	}
	summary := make([]map[string]interface{}, 0, len(products))
	for _, p := range products {
		summary = append(summary, map[string]interface{}{
			"product_id": p.Record.Id,
			"state":      p.Record.State,
			"antennas":   len(p.Record.Antennas),
			"n_channels": p.Record.NChannels,
		})
	}
	return jsonResult(map[string]interface{}{"count": len(products), "products": summary})
}

func (bs *BluseMCPServer) getProductHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("product_id")
	if err != nil {
		return mcp.NewToolResultError("product_id argument is required"), nil
	}
	product, err := bs.source.Product(ctx, model.ProductID(id))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(product)
}

func (bs *BluseMCPServer) readSensorHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("product_id")
	if err != nil {
		return mcp.NewToolResultError("product_id argument is required"), nil
	}
	sensor, err := request.RequireString("sensor")
	if err != nil {
		return mcp.NewToolResultError("sensor argument is required"), nil
	}

	raw, err := bs.kv.Get(ctx, model.ProductKey(model.ProductID(id), sensor))
	if errors.Is(err, store.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("no value stored for '%s' on product '%s'", sensor, id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var sample model.SensorSample
	if err := json.Unmarshal([]byte(raw), &sample); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stored value for '%s' is not a sensor sample", sensor)), nil
	}
	return jsonResult(map[string]interface{}{"product_id": id, "sensor": sensor, "sample": sample})
}

func (bs *BluseMCPServer) statusHandler(ctx context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	products, err := bs.source.Products(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list products")
	}
	states := make(map[model.ProductID]model.LifecycleState, len(products))
	for _, p := range products {
		states[p.Record.Id] = p.Record.State
	}
	data, err := json.Marshal(map[string]interface{}{"count": len(products), "products": states})
	if err != nil {
		return nil, err
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      StatusURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
