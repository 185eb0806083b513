// Package deploy triggers deployments after a successful build and test
// stage. Drivers exist for Railway (GraphQL API) and AWS Lambda.
package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/riftops/pipeloor/pkg/config"
	"github.com/sirupsen/logrus"
)

// Client triggers a deployment to the configured target.
type Client interface {
	// Name identifies the deployment target ("railway", "lambda").
	Name() string

	// Deploy triggers the deployment and waits for acceptance. An
	// UnrecoverableError means retrying in a later iteration cannot
	// succeed (bad credentials, missing project or function).
	Deploy(ctx context.Context) (*Result, error)
}

// Result describes an accepted deployment.
type Result struct {
	// Target is the driver name.
	Target string

	// Reference identifies the deployment on the target side: a
	// deployment ID for Railway, the function version for Lambda.
	Reference string

	// Detail is a human-readable summary for the run record.
	Detail string
}

// UnrecoverableError marks a deployment failure no retry can fix.
// The pipeline skips remaining iterations when it sees one.
type UnrecoverableError struct {
	Target string
	Reason string
	Err    error
}

func (e *UnrecoverableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unrecoverable deployment error (%s): %s: %v", e.Target, e.Reason, e.Err)
	}

	return fmt.Sprintf("unrecoverable deployment error (%s): %s", e.Target, e.Reason)
}

func (e *UnrecoverableError) Unwrap() error {
	return e.Err
}

// IsUnrecoverable reports whether err carries an UnrecoverableError.
func IsUnrecoverable(err error) bool {
	var ue *UnrecoverableError

	return errors.As(err, &ue)
}

// New creates the deployment client for the configured target. A nil
// client (with nil error) means no deployment target is configured.
func New(log logrus.FieldLogger, cfg *config.DeployConfig) (Client, error) {
	switch cfg.Target {
	case "", config.DeployTargetNone:
		return nil, nil
	case config.DeployTargetRailway:
		return newRailwayClient(log, cfg)
	case config.DeployTargetLambda:
		return newLambdaClient(log, cfg)
	default:
		return nil, fmt.Errorf("unsupported deploy target %q", cfg.Target)
	}
}
