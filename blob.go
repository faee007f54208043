package gosky

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/go-sky/media"
)

// UploadBlob uploads raw bytes and returns the blob reference to embed in
// records. Satisfies posts.Uploader. Empty mimeType is sniffed from the data.
func (c *Client) UploadBlob(ctx context.Context, data []byte, mimeType string) (json.RawMessage, error) {
	if mimeType == "" {
		mimeType = media.DetectMIME(data)
	}
	resp, err := c.Call(ctx, EndpointUploadBlob, CallOptions{
		Body:        data,
		ContentType: mimeType,
	})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Blob json.RawMessage `json:"blob"`
	}
	if err := resp.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode uploadBlob response: %w", err)
	}
	if len(payload.Blob) == 0 {
		return nil, fmt.Errorf("uploadBlob response carried no blob")
	}
	return payload.Blob, nil
}

// UploadImage downscales oversized image data under the blob size cap before
// uploading.
func (c *Client) UploadImage(ctx context.Context, data []byte) (json.RawMessage, error) {
	fitted, mimeType, err := media.FitUnderLimit(data)
	if err != nil {
		return nil, err
	}
	return c.UploadBlob(ctx, fitted, mimeType)
}
