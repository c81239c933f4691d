package aws

import (
	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsec2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsiam"
	"github.com/aws/aws-cdk-go/awscdk/v2/awss3"
	"github.com/aws/constructs-go/constructs/v10"
	"github.com/aws/jsii-runtime-go"
)

// NewWorkerStack defines the infrastructure a spawn/aws.AWS backend needs
// at runtime: a VPC, a security group admitting the worker's listen port,
// an IAM instance profile the EC2 instances assume, and an S3 bucket
// holding the worker binary. Deployed out-of-band via `cdk deploy`; its
// CfnOutputs are what fetchStackOutputs (cfn.go) reads back at Spawn time.
// Grounded on the shape of the CloudFormation resources
// cluster/aws/cfn.go/resources_cfn.go already assume exist (instance
// profile ARN, security group ID, subnet IDs, S3 bucket ARN) -- this
// stack is what provisions them, which the teacher's cluster/aws package
// never did itself (it only ever reads an already-deployed stack).
func NewWorkerStack(scope constructs.Construct, id string, props *awscdk.StackProps) awscdk.Stack {
	stack := awscdk.NewStack(scope, &id, props)

	vpc := awsec2.NewVpc(stack, jsii.String("ProcmuxWorkerVPC"), &awsec2.VpcProps{
		MaxAzs: jsii.Number(2),
	})

	sg := awsec2.NewSecurityGroup(stack, jsii.String("ProcmuxWorkerSG"), &awsec2.SecurityGroupProps{
		Vpc:              vpc,
		Description:      jsii.String("admits process-host worker connections"),
		AllowAllOutbound: jsii.Bool(true),
	})
	sg.AddIngressRule(
		awsec2.Peer_AnyIpv4(),
		awsec2.Port_Tcp(jsii.Number(8080)),
		jsii.String("worker RPC port"),
		jsii.Bool(false),
	)

	bucket := awss3.NewBucket(stack, jsii.String("ProcmuxWorkerBinBucket"), &awss3.BucketProps{
		RemovalPolicy:     awscdk.RemovalPolicy_DESTROY,
		AutoDeleteObjects: jsii.Bool(true),
	})

	role := awsiam.NewRole(stack, jsii.String("ProcmuxWorkerRole"), &awsiam.RoleProps{
		AssumedBy: awsiam.NewServicePrincipal(jsii.String("ec2.amazonaws.com"), &awsiam.ServicePrincipalOpts{}),
	})
	bucket.GrantRead(role, nil)
	instanceProfile := awsiam.NewCfnInstanceProfile(stack, jsii.String("ProcmuxWorkerInstanceProfile"), &awsiam.CfnInstanceProfileProps{
		Roles: jsii.Strings(*role.RoleName()),
	})

	var subnetIDs []*string
	for _, subnet := range *vpc.PublicSubnets() {
		subnetIDs = append(subnetIDs, subnet.SubnetId())
	}

	awscdk.NewCfnOutput(stack, jsii.String("ProcmuxWorkerStackARNOutput"), &awscdk.CfnOutputProps{
		Value:      stack.StackId(),
		ExportName: jsii.String("ProcmuxWorkerStackARN"),
	})
	awscdk.NewCfnOutput(stack, jsii.String("WorkerInstanceProfileARNOutput"), &awscdk.CfnOutputProps{
		Value:      instanceProfile.AttrArn(),
		ExportName: jsii.String("WorkerInstanceProfileARN"),
	})
	awscdk.NewCfnOutput(stack, jsii.String("WorkerSecurityGroupIDOutput"), &awscdk.CfnOutputProps{
		Value:      sg.SecurityGroupId(),
		ExportName: jsii.String("WorkerSecurityGroupID"),
	})
	awscdk.NewCfnOutput(stack, jsii.String("PublicSubnetIDsOutput"), &awscdk.CfnOutputProps{
		Value:      awscdk.Fn_Join(jsii.String(","), &subnetIDs),
		ExportName: jsii.String("PublicSubnetIDs"),
	})
	awscdk.NewCfnOutput(stack, jsii.String("WorkerBinBucketARNOutput"), &awscdk.CfnOutputProps{
		Value:      bucket.BucketArn(),
		ExportName: jsii.String("WorkerBinBucketARN"),
	})

	return stack
}
