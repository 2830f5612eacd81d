package client

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"

	"edge-guard/internal/config"
	"edge-guard/internal/util"
)

// NewKMSClient builds a KMS client from the default AWS credential chain.
func NewKMSClient(cfg *config.Config) (*kms.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.KMS.Region),
		awsconfig.WithRetryMaxAttempts(3),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	kmsClient := kms.NewFromConfig(awsCfg)

	if cfg.KMS.KeyID != "" {
		if _, err := kmsClient.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(cfg.KMS.KeyID)}); err != nil {
			return nil, fmt.Errorf("failed to describe KMS key: %w", err)
		}
	}

	util.Info("KMS client initialized",
		zap.String("region", cfg.KMS.Region),
		zap.Bool("key_configured", cfg.KMS.KeyID != ""))

	return kmsClient, nil
}
