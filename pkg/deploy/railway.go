package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/riftops/pipeloor/pkg/config"
	"github.com/sirupsen/logrus"
)

// DefaultRailwayEndpoint is Railway's public GraphQL API.
const DefaultRailwayEndpoint = "https://backboard.railway.app/graphql/v2"

// railwayOptions are driver-specific settings decoded from
// deploy.settings.
type railwayOptions struct {
	// Endpoint overrides the GraphQL API URL (tests, proxies).
	Endpoint string `mapstructure:"endpoint"`

	// EnvironmentName/ServiceName select by name when the IDs are not
	// configured. Defaults to the project's first environment/service.
	EnvironmentName string `mapstructure:"environment_name"`
	ServiceName     string `mapstructure:"service_name"`

	// TimeoutSeconds bounds each API call.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

type railwayClient struct {
	log  logrus.FieldLogger
	cfg  *config.RailwayTarget
	opts railwayOptions
	http *http.Client
}

// Ensure interface compliance.
var _ Client = (*railwayClient)(nil)

func newRailwayClient(log logrus.FieldLogger, cfg *config.DeployConfig) (Client, error) {
	var opts railwayOptions
	if err := mapstructure.Decode(cfg.Settings, &opts); err != nil {
		return nil, fmt.Errorf("decoding railway settings: %w", err)
	}

	if opts.Endpoint == "" {
		opts.Endpoint = DefaultRailwayEndpoint
	}

	if opts.TimeoutSeconds <= 0 {
		opts.TimeoutSeconds = 30
	}

	return &railwayClient{
		log:  log.WithField("component", "deploy.railway"),
		cfg:  &cfg.Railway,
		opts: opts,
		http: &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second},
	}, nil
}

func (c *railwayClient) Name() string {
	return config.DeployTargetRailway
}

// Deploy resolves the target environment and service, then triggers a
// redeploy of the service instance.
func (c *railwayClient) Deploy(ctx context.Context) (*Result, error) {
	envID, svcID := c.cfg.EnvironmentID, c.cfg.ServiceID

	if envID == "" || svcID == "" {
		resolvedEnv, resolvedSvc, err := c.resolveTarget(ctx)
		if err != nil {
			return nil, err
		}

		if envID == "" {
			envID = resolvedEnv
		}

		if svcID == "" {
			svcID = resolvedSvc
		}
	}

	log := c.log.WithFields(logrus.Fields{
		"project":     c.cfg.ProjectID,
		"environment": envID,
		"service":     svcID,
	})
	log.Info("Triggering Railway deployment")

	var resp struct {
		ServiceInstanceRedeploy bool `json:"serviceInstanceRedeploy"`
	}

	err := c.graphql(ctx, `
		mutation serviceInstanceRedeploy($environmentId: String!, $serviceId: String!) {
			serviceInstanceRedeploy(environmentId: $environmentId, serviceId: $serviceId)
		}`,
		map[string]any{
			"environmentId": envID,
			"serviceId":     svcID,
		}, &resp)
	if err != nil {
		return nil, err
	}

	if !resp.ServiceInstanceRedeploy {
		return nil, fmt.Errorf("railway did not accept the redeploy request")
	}

	log.Info("Railway deployment accepted")

	return &Result{
		Target:    c.Name(),
		Reference: svcID,
		Detail:    fmt.Sprintf("redeployed service %s in environment %s", svcID, envID),
	}, nil
}

// resolveTarget looks up the project's environments and services and
// picks by configured name, falling back to the first entry.
func (c *railwayClient) resolveTarget(ctx context.Context) (string, string, error) {
	var resp struct {
		Project struct {
			Environments struct {
				Edges []struct {
					Node struct {
						ID   string `json:"id"`
						Name string `json:"name"`
					} `json:"node"`
				} `json:"edges"`
			} `json:"environments"`
			Services struct {
				Edges []struct {
					Node struct {
						ID   string `json:"id"`
						Name string `json:"name"`
					} `json:"node"`
				} `json:"edges"`
			} `json:"services"`
		} `json:"project"`
	}

	err := c.graphql(ctx, `
		query project($id: String!) {
			project(id: $id) {
				environments { edges { node { id name } } }
				services { edges { node { id name } } }
			}
		}`,
		map[string]any{"id": c.cfg.ProjectID}, &resp)
	if err != nil {
		return "", "", err
	}

	var envID string

	for _, e := range resp.Project.Environments.Edges {
		if c.opts.EnvironmentName == "" || e.Node.Name == c.opts.EnvironmentName {
			envID = e.Node.ID

			break
		}
	}

	var svcID string

	for _, s := range resp.Project.Services.Edges {
		if c.opts.ServiceName == "" || s.Node.Name == c.opts.ServiceName {
			svcID = s.Node.ID

			break
		}
	}

	if envID == "" || svcID == "" {
		return "", "", &UnrecoverableError{
			Target: c.Name(),
			Reason: fmt.Sprintf("project %s has no matching environment/service", c.cfg.ProjectID),
		}
	}

	return envID, svcID, nil
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

// graphql posts a query and decodes the data payload into out.
func (c *railwayClient) graphql(ctx context.Context, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("encoding graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating graphql request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling railway api: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &UnrecoverableError{
			Target: c.Name(),
			Reason: fmt.Sprintf("railway rejected the token (HTTP %d)", resp.StatusCode),
		}
	}

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return fmt.Errorf("railway api returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphqlError  `json:"errors"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding railway response: %w", err)
	}

	if len(envelope.Errors) > 0 {
		msg := envelope.Errors[0].Message

		if unrecoverableGraphQLError(msg) {
			return &UnrecoverableError{
				Target: c.Name(),
				Reason: msg,
			}
		}

		return fmt.Errorf("railway api error: %s", msg)
	}

	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decoding railway data: %w", err)
		}
	}

	return nil
}

// unrecoverableGraphQLError classifies API errors that no retry can
// fix: authorization failures and missing resources.
func unrecoverableGraphQLError(msg string) bool {
	lower := strings.ToLower(msg)

	for _, marker := range []string{"not authorized", "unauthorized", "not found", "does not exist"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}

	return false
}
