// Command workerstack is the CDK app entry point for the infrastructure
// spawn/aws.AWS depends on at runtime (aws.NewWorkerStack). Run via the
// CDK CLI ("cdk deploy" from this directory); it is never invoked by the
// process host itself.
package main

import (
	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/jsii-runtime-go"
	"github.com/procmux/procmux/spawn/aws"
)

func main() {
	defer jsii.Close()

	app := awscdk.NewApp(nil)
	aws.NewWorkerStack(app, "ProcmuxWorkerStack", &awscdk.StackProps{})
	app.Synth(nil)
}
