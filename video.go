package gosky

import (
	"context"
	"fmt"
)

// VideoUploadLimits is the video service's per-account quota report.
type VideoUploadLimits struct {
	CanUpload            bool   `json:"canUpload"`
	RemainingDailyVideos int64  `json:"remainingDailyVideos"`
	RemainingDailyBytes  int64  `json:"remainingDailyBytes"`
	Message              string `json:"message"`
	Error                string `json:"error"`
}

// GetVideoUploadLimits asks the video service whether the account may upload
// and how much daily quota remains.
func (c *Client) GetVideoUploadLimits(ctx context.Context) (*VideoUploadLimits, error) {
	resp, err := c.Call(ctx, EndpointVideoUploadLimits, CallOptions{})
	if err != nil {
		return nil, err
	}
	var limits VideoUploadLimits
	if err := resp.Decode(&limits); err != nil {
		return nil, fmt.Errorf("decode upload limits response: %w", err)
	}
	return &limits, nil
}
