package es

import (
	"context"
	"encoding/json"
	"fmt"
)

// HealthStatus describes cluster health for the health endpoint.
type HealthStatus struct {
	Status      string `json:"status"`
	ClusterName string `json:"cluster_name"`
	Nodes       int    `json:"number_of_nodes"`
}

// Health returns cluster health, suitable for the /health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	res, err := c.es.Cluster.Health(c.es.Cluster.Health.WithContext(ctx))
	if err != nil {
		return nil, wrapTransport(err)
	}
	defer closeBody(res)

	if res.IsError() {
		return nil, statusError(res, "")
	}

	var out HealthStatus
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding cluster health: %w", err)
	}
	return &out, nil
}
