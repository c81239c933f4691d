// Package aws spawns worker processes as EC2 instances, dialing back into
// the instance's public IP once user-data has started the worker. Grounded
// on cluster/aws/cluster.go/config.go/node.go's CloudFormation-discovered
// resources, presigned-S3 binary distribution, and RunInstances/DescribeInstances
// polling loop -- adapted from "provision a long-lived clustertest node" to
// "spawn one process-host worker instance per start()."
package aws

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"text/template"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/procmux/procmux/ipc"
	"go.uber.org/zap"
)

const userDataTemplate = `#!/bin/bash
mkdir /worker
cd /worker
curl --retry 3 '{{.WorkerURL}}' > procmux-worker
chmod +x procmux-worker
nohup ./procmux-worker --listen-addr 0.0.0.0:8080 &>/var/log/procmux-worker &
`

// Resources are the externally-provisioned AWS resources a Spawn needs:
// VPC subnet, security group, instance profile, and an S3 bucket holding
// the worker binary. Produced by the CDK stack in stack.go and normally
// discovered via CloudFormation exports, mirroring cluster/aws.Resources.
type Resources struct {
	InstanceProfileARN      string
	InstanceSecurityGroupID string
	AMIID                   string
	AccountID               string
	SubnetID                string
	WorkerS3Bucket          string
	WorkerS3Key             string
}

// AWS spawns worker instances per Spawn call. Libraries: aws-sdk-go
// (ec2, s3, ssm, cloudformation).
type AWS struct {
	Log          *zap.SugaredLogger
	Session      *session.Session
	InstanceType string
	WorkerBin    string

	mu        sync.Mutex
	loaded    bool
	resources Resources
	ec2Client *ec2.EC2
	s3Client  *s3.S3
}

// NewAWS builds an AWS backend using the default AWS profile/env
// configuration, matching cluster/aws.NewCluster's session construction.
func NewAWS(log *zap.SugaredLogger, workerBin string) (*AWS, error) {
	sess, err := session.NewSessionWithOptions(session.Options{SharedConfigState: session.SharedConfigEnable})
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}
	return &AWS{
		Log:          log.Named("aws_spawn"),
		Session:      sess,
		InstanceType: "t3.micro",
		WorkerBin:    workerBin,
	}, nil
}

func (a *AWS) ensureLoaded() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loaded {
		return nil
	}
	a.s3Client = s3.New(a.Session)
	a.ec2Client = ec2.New(a.Session)

	outputs, err := fetchStackOutputs(a.Session)
	if err != nil {
		return fmt.Errorf("fetching CDK stack outputs: %w", err)
	}
	resources, err := parseStackOutputs(outputs)
	if err != nil {
		return fmt.Errorf("parsing stack outputs: %w", err)
	}
	if resources.AMIID == "" {
		amiID, err := fetchAMIID(a.Session)
		if err != nil {
			return fmt.Errorf("fetching AMI ID: %w", err)
		}
		resources.AMIID = amiID
	}
	key, err := uploadWorkerBin(a.s3Client, resources.WorkerS3Bucket, a.WorkerBin)
	if err != nil {
		return fmt.Errorf("uploading worker binary to S3: %w", err)
	}
	resources.WorkerS3Key = key

	a.resources = resources
	a.loaded = true
	return nil
}

// Spawn implements proctable.SpawnFunc for "aws://" urls: launch one EC2
// instance, wait for it to report Running, then dial its public IP's
// worker port. Grounded on cluster/aws/cluster.go's NewNodes +
// waitForInstances, narrowed from "launch n nodes" to "launch 1 worker."
func (a *AWS) Spawn(ctx context.Context, rawURL string) (ipc.Target, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing worker url %q: %w", rawURL, err)
	}
	if u.Scheme != "aws" {
		return nil, fmt.Errorf("spawn/aws: unsupported scheme %q", u.Scheme)
	}
	if err := a.ensureLoaded(); err != nil {
		return nil, err
	}

	req, _ := a.s3Client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: &a.resources.WorkerS3Bucket,
		Key:    &a.resources.WorkerS3Key,
	})
	workerURL, err := req.Presign(5 * time.Minute)
	if err != nil {
		return nil, fmt.Errorf("presigning worker binary URL: %w", err)
	}

	tmpl, err := template.New("").Parse(userDataTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing user data template: %w", err)
	}
	buf := &bytes.Buffer{}
	if err := tmpl.Execute(buf, map[string]string{"WorkerURL": workerURL}); err != nil {
		return nil, fmt.Errorf("executing user data template: %w", err)
	}
	userData := base64.StdEncoding.EncodeToString(buf.Bytes())

	one := int64(1)
	input := &ec2.RunInstancesInput{
		ImageId:                           &a.resources.AMIID,
		IamInstanceProfile:                &ec2.IamInstanceProfileSpecification{Arn: &a.resources.InstanceProfileARN},
		InstanceType:                      &a.InstanceType,
		MaxCount:                          &one,
		MinCount:                          &one,
		InstanceInitiatedShutdownBehavior: aws.String(ec2.ShutdownBehaviorTerminate),
		UserData:                          &userData,
		NetworkInterfaces: []*ec2.InstanceNetworkInterfaceSpecification{{
			AssociatePublicIpAddress: aws.Bool(true),
			DeleteOnTermination:      aws.Bool(true),
			Groups:                   []*string{&a.resources.InstanceSecurityGroupID},
			SubnetId:                 &a.resources.SubnetID,
			DeviceIndex:              aws.Int64(0),
		}},
	}

	reservation, err := a.ec2Client.RunInstancesWithContext(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("launching instance: %w", err)
	}
	if len(reservation.Instances) != 1 {
		return nil, fmt.Errorf("expected 1 instance, got %d", len(reservation.Instances))
	}

	inst, err := a.waitForInstance(ctx, *reservation.Instances[0].InstanceId)
	if err != nil {
		return nil, fmt.Errorf("waiting for instance: %w", err)
	}

	addr := fmt.Sprintf("%s:8080", *inst.PublicIpAddress)
	conn, err := a.dialWithRetry(ctx, addr)
	if err != nil {
		_, _ = a.ec2Client.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{InstanceIds: []*string{inst.InstanceId}})
		return nil, fmt.Errorf("dialing worker instance %s: %w", *inst.InstanceId, err)
	}

	return &awsTarget{Target: ipc.NewPipeTarget(conn), ec2Client: a.ec2Client, instanceID: *inst.InstanceId}, nil
}

func (a *AWS) waitForInstance(ctx context.Context, instanceID string) (*ec2.Instance, error) {
	for i := 0; ; i++ {
		if i != 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
			}
		}
		out, err := a.ec2Client.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{InstanceIds: []*string{&instanceID}})
		if err != nil {
			if awsErr, ok := err.(awserr.Error); ok && awsErr.Code() == "InvalidInstanceID.NotFound" {
				continue
			}
			return nil, err
		}
		if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
			continue
		}
		inst := out.Reservations[0].Instances[0]
		switch *inst.State.Name {
		case ec2.InstanceStateNamePending:
			continue
		case ec2.InstanceStateNameRunning:
			return inst, nil
		default:
			return nil, fmt.Errorf("unexpected instance state %q", *inst.State.Name)
		}
	}
}

func (a *AWS) dialWithRetry(ctx context.Context, addr string) (net.Conn, error) {
	var lastErr error
	for i := 0; i < 300; i++ {
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil, lastErr
}

// awsTarget terminates the backing EC2 instance on Terminate, the
// "worker" half of spec.md §4.D's exit contract.
type awsTarget struct {
	ipc.Target
	ec2Client  *ec2.EC2
	instanceID string
}

func (t *awsTarget) Terminate() error {
	_, err := t.ec2Client.TerminateInstances(&ec2.TerminateInstancesInput{InstanceIds: []*string{&t.instanceID}})
	return err
}

func fetchAMIID(sess *session.Session) (string, error) {
	ssmClient := ssm.New(sess)
	key := "/aws/service/ecs/optimized-ami/amazon-linux-2/recommended"
	res, err := ssmClient.GetParameters(&ssm.GetParametersInput{Names: []*string{&key}})
	if err != nil {
		return "", fmt.Errorf("fetching AMI ID: %w", err)
	}
	if len(res.Parameters) == 0 {
		return "", fmt.Errorf("no AMI parameter found at %s", key)
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(*res.Parameters[0].Value), &m); err != nil {
		return "", fmt.Errorf("unmarshaling ECS AMI info from SSM: %w", err)
	}
	amiID, ok := m["image_id"].(string)
	if !ok {
		return "", fmt.Errorf("no image_id found in ECS AMI info from SSM")
	}
	return amiID, nil
}
