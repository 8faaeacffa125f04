package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// redrivePolicy is the JSON document stored in the RedrivePolicy queue attribute
type redrivePolicy struct {
	DeadLetterTargetArn string `json:"deadLetterTargetArn"`
	MaxReceiveCount     any    `json:"maxReceiveCount"`
}

// QueueURLFromARN converts arn:aws:sqs:<region>:<account>:<name> to a queue URL.
// Values that are not SQS ARNs are returned unchanged.
func QueueURLFromARN(arn string) (string, error) {
	if !strings.HasPrefix(arn, "arn:") {
		return arn, nil
	}

	parts := strings.Split(arn, ":")
	if len(parts) != 6 || parts[2] != "sqs" {
		return "", fmt.Errorf("not an SQS queue ARN: %q", arn)
	}
	partition, region, account, name := parts[1], parts[3], parts[4], parts[5]
	if region == "" || account == "" || name == "" {
		return "", fmt.Errorf("incomplete SQS queue ARN: %q", arn)
	}

	domain := "amazonaws.com"
	if partition == "aws-cn" {
		domain = "amazonaws.com.cn"
	}
	return fmt.Sprintf("https://sqs.%s.%s/%s/%s", region, domain, account, name), nil
}

// DeadLetterURL reads the queue's RedrivePolicy and returns the URL of its
// dead-letter target. Returns "" with a nil error when no policy is set.
func (c *Client) DeadLetterURL(ctx context.Context) (string, error) {
	result, err := c.sqs.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(c.config.QueueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameRedrivePolicy},
	})
	if err != nil {
		return "", fmt.Errorf("failed to read redrive policy: %w", err)
	}

	raw := result.Attributes[string(types.QueueAttributeNameRedrivePolicy)]
	if raw == "" {
		return "", nil
	}

	var policy redrivePolicy
	if err := json.Unmarshal([]byte(raw), &policy); err != nil {
		return "", fmt.Errorf("failed to parse redrive policy: %w", err)
	}
	if policy.DeadLetterTargetArn == "" {
		return "", nil
	}

	return QueueURLFromARN(policy.DeadLetterTargetArn)
}
