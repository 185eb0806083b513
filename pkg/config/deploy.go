package config

import (
	"fmt"
)

// Deployment target identifiers.
const (
	DeployTargetNone    = "none"
	DeployTargetRailway = "railway"
	DeployTargetLambda  = "lambda"
)

// DeployConfig selects and configures the deployment target. Settings
// carries driver-specific options decoded by the target itself.
type DeployConfig struct {
	Target   string         `mapstructure:"target" yaml:"target"`
	Railway  RailwayTarget  `mapstructure:"railway" yaml:"railway"`
	Lambda   LambdaTarget   `mapstructure:"lambda" yaml:"lambda"`
	Settings map[string]any `mapstructure:"settings" yaml:"settings,omitempty"`
}

// RailwayTarget identifies a Railway project deployment.
type RailwayTarget struct {
	ProjectID     string `mapstructure:"project_id" yaml:"project_id"`
	Token         string `mapstructure:"token" yaml:"token"`
	EnvironmentID string `mapstructure:"environment_id" yaml:"environment_id,omitempty"`
	ServiceID     string `mapstructure:"service_id" yaml:"service_id,omitempty"`
}

// LambdaTarget identifies an AWS Lambda function deployment.
type LambdaTarget struct {
	FunctionName    string `mapstructure:"function_name" yaml:"function_name"`
	Region          string `mapstructure:"region" yaml:"region,omitempty"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`

	// Artifact is the local path of the deployable zip produced by the
	// build stage.
	Artifact string `mapstructure:"artifact" yaml:"artifact,omitempty"`

	// S3Bucket/S3KeyPrefix locate the uploaded artifact the function is
	// updated from.
	S3Bucket    string `mapstructure:"s3_bucket" yaml:"s3_bucket,omitempty"`
	S3KeyPrefix string `mapstructure:"s3_key_prefix" yaml:"s3_key_prefix,omitempty"`
}

func (d *DeployConfig) validate() error {
	switch d.Target {
	case "", DeployTargetNone:
		return nil
	case DeployTargetRailway:
		if d.Railway.ProjectID == "" {
			return fmt.Errorf("deploy target railway requires deploy.railway.project_id")
		}

		if d.Railway.Token == "" {
			return fmt.Errorf("deploy target railway requires deploy.railway.token")
		}

		return nil
	case DeployTargetLambda:
		if d.Lambda.FunctionName == "" {
			return fmt.Errorf("deploy target lambda requires deploy.lambda.function_name")
		}

		return nil
	default:
		return fmt.Errorf(
			"unsupported deploy target %q (use %q, %q or %q)",
			d.Target, DeployTargetNone, DeployTargetRailway, DeployTargetLambda,
		)
	}
}
