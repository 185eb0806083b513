package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/mitchellh/mapstructure"
	"github.com/riftops/pipeloor/pkg/config"
	"github.com/riftops/pipeloor/pkg/upload"
	"github.com/sirupsen/logrus"
)

// lambdaOptions are driver-specific settings decoded from
// deploy.settings.
type lambdaOptions struct {
	// Publish creates a new function version after the code update.
	Publish bool `mapstructure:"publish"`

	// WaitSeconds bounds the wait for the function update to settle.
	WaitSeconds int `mapstructure:"wait_seconds"`

	// Endpoint overrides the Lambda API endpoint (localstack setups).
	Endpoint string `mapstructure:"endpoint_url"`
}

type lambdaClient struct {
	log      logrus.FieldLogger
	cfg      *config.LambdaTarget
	opts     lambdaOptions
	client   *lambda.Client
	uploader upload.Uploader
}

// Ensure interface compliance.
var _ Client = (*lambdaClient)(nil)

func newLambdaClient(log logrus.FieldLogger, cfg *config.DeployConfig) (Client, error) {
	var opts lambdaOptions
	if err := mapstructure.Decode(cfg.Settings, &opts); err != nil {
		return nil, fmt.Errorf("decoding lambda settings: %w", err)
	}

	if opts.WaitSeconds <= 0 {
		opts.WaitSeconds = 120
	}

	target := cfg.Lambda

	clientOpts := []func(*lambda.Options){
		func(o *lambda.Options) {
			if target.Region != "" {
				o.Region = target.Region
			} else {
				o.Region = "us-east-1"
			}

			if target.AccessKeyID != "" && target.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					target.AccessKeyID, target.SecretAccessKey, "",
				)
			}

			if opts.Endpoint != "" {
				o.BaseEndpoint = aws.String(opts.Endpoint)
			}
		},
	}

	c := &lambdaClient{
		log:    log.WithField("component", "deploy.lambda"),
		cfg:    &cfg.Lambda,
		opts:   opts,
		client: lambda.New(lambda.Options{}, clientOpts...),
	}

	// A local artifact destined for S3 is staged by the client itself,
	// into the function-code bucket.
	if target.Artifact != "" && target.S3Bucket != "" {
		uploader, err := upload.NewS3Uploader(log, &config.S3Config{
			Bucket:          target.S3Bucket,
			Prefix:          target.S3KeyPrefix,
			Region:          target.Region,
			AccessKeyID:     target.AccessKeyID,
			SecretAccessKey: target.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("creating artifact uploader: %w", err)
		}

		c.uploader = uploader
	}

	return c, nil
}

func (c *lambdaClient) Name() string {
	return config.DeployTargetLambda
}

// Deploy updates the function code from the built artifact, either
// inline or from S3, and waits for the update to settle.
func (c *lambdaClient) Deploy(ctx context.Context) (*Result, error) {
	log := c.log.WithField("function", c.cfg.FunctionName)

	input := &lambda.UpdateFunctionCodeInput{
		FunctionName: aws.String(c.cfg.FunctionName),
		Publish:      c.opts.Publish,
	}

	switch {
	case c.cfg.S3Bucket != "" && c.cfg.Artifact != "":
		log.WithField("artifact", c.cfg.Artifact).Info("Staging artifact to S3")

		key, err := c.uploader.UploadFile(ctx, c.cfg.Artifact)
		if err != nil {
			return nil, fmt.Errorf("staging artifact: %w", err)
		}

		input.S3Bucket = aws.String(c.cfg.S3Bucket)
		input.S3Key = aws.String(key)
	case c.cfg.S3Bucket != "":
		// No local artifact: the object at s3_key_prefix is assumed to
		// be staged already.
		input.S3Bucket = aws.String(c.cfg.S3Bucket)
		input.S3Key = aws.String(c.artifactKey())
	case c.cfg.Artifact != "":
		zip, err := os.ReadFile(c.cfg.Artifact)
		if err != nil {
			return nil, fmt.Errorf("reading artifact %s: %w", c.cfg.Artifact, err)
		}

		input.ZipFile = zip
	default:
		return nil, &UnrecoverableError{
			Target: c.Name(),
			Reason: "neither deploy.lambda.artifact nor deploy.lambda.s3_bucket is configured",
		}
	}

	log.Info("Updating Lambda function code")

	out, err := c.client.UpdateFunctionCode(ctx, input)
	if err != nil {
		return nil, c.classify(err)
	}

	waiter := lambda.NewFunctionUpdatedV2Waiter(c.client)

	err = waiter.Wait(ctx, &lambda.GetFunctionInput{
		FunctionName: aws.String(c.cfg.FunctionName),
	}, time.Duration(c.opts.WaitSeconds)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("waiting for function update: %w", err)
	}

	reference := aws.ToString(out.FunctionArn)
	if v := aws.ToString(out.Version); v != "" {
		reference = reference + ":" + v
	}

	log.WithField("reference", reference).Info("Lambda deployment completed")

	return &Result{
		Target:    c.Name(),
		Reference: reference,
		Detail:    fmt.Sprintf("updated function %s", c.cfg.FunctionName),
	}, nil
}

// artifactKey is the S3 object key of a pre-staged artifact, taken
// from s3_key_prefix verbatim.
func (c *lambdaClient) artifactKey() string {
	return strings.TrimRight(c.cfg.S3KeyPrefix, "/")
}

// classify maps AWS errors retries cannot fix to UnrecoverableError.
func (c *lambdaClient) classify(err error) error {
	var notFound *lambdatypes.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return &UnrecoverableError{
			Target: c.Name(),
			Reason: fmt.Sprintf("function %s does not exist", c.cfg.FunctionName),
			Err:    err,
		}
	}

	msg := err.Error()

	for _, marker := range []string{
		"UnrecognizedClientException",
		"InvalidSignatureException",
		"AccessDenied",
		"ExpiredToken",
	} {
		if strings.Contains(msg, marker) {
			return &UnrecoverableError{
				Target: c.Name(),
				Reason: "aws rejected the credentials",
				Err:    err,
			}
		}
	}

	return fmt.Errorf("updating function code: %w", err)
}
