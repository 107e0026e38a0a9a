package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meerkat-bl/bluse/kernel/model"
	"github.com/pkg/errors"
)

// Client reads the status API of a running bluse server.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "requesting %s", path)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(out)
	case http.StatusNotFound:
		return ErrProductNotFound
	default:
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return errors.Errorf("%s returned %d: %s", path, resp.StatusCode, body.Error)
	}
}

func (c *Client) Products(ctx context.Context) ([]ProductStatus, error) {
	var body struct {
		Products []ProductStatus `json:"products"`
	}
	if err := c.get(ctx, "/api/v1/products", &body); err != nil {
		return nil, err
	}
	return body.Products, nil
}

func (c *Client) Product(ctx context.Context, id model.ProductID) (*ProductStatus, error) {
	var st ProductStatus
	if err := c.get(ctx, "/api/v1/products/"+url.PathEscape(string(id)), &st); err != nil {
		if errors.Is(err, ErrProductNotFound) {
			return nil, errors.Wrapf(ErrProductNotFound, "[%s]", id)
		}
		return nil, err
	}
	return &st, nil
}
