package aws

import (
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws/arn"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/s3"
)

// collectPages drains a paginated AWS API call into a single slice.
// Grounded verbatim on cluster/aws/cluster.go's collectPages helper.
func collectPages[IN any, OUT any](input IN, fn func(IN, func(OUT, bool) bool) error) ([]OUT, error) {
	var out []OUT
	err := fn(input, func(output OUT, more bool) bool {
		out = append(out, output)
		return true
	})
	return out, err
}

// fetchStackOutputs finds the exported ARN of the CDK-deployed worker
// infrastructure stack (see stack.go) and reads its outputs. Grounded on
// cluster/aws/cfn.go's fetchStackOutputs, renamed export key for this
// module's own stack.
func fetchStackOutputs(sess *session.Session) (map[string]string, error) {
	cfnClient := cloudformation.New(sess)
	listExportsPages, err := collectPages(&cloudformation.ListExportsInput{}, cfnClient.ListExportsPages)
	if err != nil {
		return nil, fmt.Errorf("listing CloudFormation exports: %w", err)
	}

	var stackARN string
	for _, page := range listExportsPages {
		for _, export := range page.Exports {
			if *export.Name == "ProcmuxWorkerStackARN" {
				stackARN = *export.Value
			}
		}
	}
	if stackARN == "" {
		return nil, errors.New("unable to find exported worker stack ARN, did you run 'cdk deploy'?")
	}

	describeStacksPages, err := collectPages(
		&cloudformation.DescribeStacksInput{StackName: &stackARN},
		cfnClient.DescribeStacksPages,
	)
	if len(describeStacksPages) != 1 || len(describeStacksPages[0].Stacks) != 1 {
		return nil, fmt.Errorf("unexpected DescribeStacks shape for %s", stackARN)
	}
	stack := describeStacksPages[0].Stacks[0]

	outputs := map[string]string{}
	for _, output := range stack.Outputs {
		outputs[*output.OutputKey] = *output.OutputValue
	}
	return outputs, nil
}

// parseStackOutputs decodes the CDK stack's CfnOutputs (see stack.go) into
// Resources. Grounded on cluster/aws/cfn.go's parseStackOutputs, keyed by
// the output logical IDs stack.go gives its CfnOutputs.
func parseStackOutputs(outputs map[string]string) (Resources, error) {
	var r Resources

	instanceProfileARN := outputs["WorkerInstanceProfileARNOutput"]
	if instanceProfileARN == "" {
		return r, errors.New("unable to find worker instance profile ARN")
	}
	r.InstanceProfileARN = instanceProfileARN

	parsedARN, err := arn.Parse(instanceProfileARN)
	if err != nil {
		return r, fmt.Errorf("parsing instance profile ARN %q: %w", instanceProfileARN, err)
	}
	r.AccountID = parsedARN.AccountID

	subnetIDs := outputs["PublicSubnetIDsOutput"]
	if subnetIDs == "" {
		return r, errors.New("unable to find subnet IDs")
	}
	r.SubnetID = strings.Split(subnetIDs, ",")[0]

	sg := outputs["WorkerSecurityGroupIDOutput"]
	if sg == "" {
		return r, errors.New("unable to find security group ID")
	}
	r.InstanceSecurityGroupID = sg

	bucketARNStr := outputs["WorkerBinBucketARNOutput"]
	if bucketARNStr == "" {
		return r, errors.New("unable to find worker binary bucket ARN")
	}
	bucketARN, err := arn.Parse(bucketARNStr)
	if err != nil {
		return r, fmt.Errorf("parsing bucket ARN %q: %w", bucketARNStr, err)
	}
	r.WorkerS3Bucket = bucketARN.Resource

	return r, nil
}

// uploadWorkerBin uploads the worker binary at path to bucket, keyed by
// its content hash for deduplication. Grounded on
// cluster/aws/resources_cfn.go's provideFileViaS3.
func uploadWorkerBin(s3Client *s3.S3, bucket, path string) (string, error) {
	hasher := sha256.New()
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening worker binary to hash: %w", err)
	}
	_, err = io.Copy(hasher, f)
	f.Close()
	if err != nil {
		return "", fmt.Errorf("hashing worker binary: %w", err)
	}
	key := base32.StdEncoding.EncodeToString(hasher.Sum(nil))

	f, err = os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening worker binary to upload: %w", err)
	}
	defer f.Close()
	_, err = s3Client.PutObject(&s3.PutObjectInput{Bucket: &bucket, Key: &key, Body: f})
	if err != nil {
		return "", fmt.Errorf("uploading worker binary to S3: %w", err)
	}
	return key, nil
}
