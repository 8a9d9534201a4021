// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package containerdriver is the thin port (C4) the Capacity Manager
// uses to launch and observe worker tasks, and to pick a subnet for
// them. It never decides *whether* to scale — only executes the calls
// the Capacity Manager's decision asks for.
package containerdriver

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/dispatchforge/jobcore/internal/jobschema"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
)

// RunTaskInput describes one launch request.
type RunTaskInput struct {
	Cluster         string
	TaskDefinition  string
	Subnet          string
	SecurityGroup   string
	AssignPublicIP  bool
}

// TaskStatus is one entry of a describeTasks response.
type TaskStatus struct {
	TaskID  string
	Status  string // raw runtime status string, see MapStatus.
	Missing bool
}

// Driver is the port over the external container orchestrator.
type Driver interface {
	RunTask(ctx context.Context, in RunTaskInput) ([]string, error)
	DescribeTasks(ctx context.Context, cluster string, taskIDs []string) ([]TaskStatus, error)
	PickPublicSubnet(ctx context.Context, vpcID string) (string, error)
}

// MapStatus maps a raw container-runtime status string to the Capacity
// Manager's lifecycle model. ok is false for an unrecognized string,
// meaning the caller should log and leave the worker's tracked status
// unchanged.
func MapStatus(raw string) (status jobschema.WorkerStatus, ok bool) {
	switch raw {
	case "PROVISIONING", "PENDING", "ACTIVATING":
		return jobschema.WorkerPending, true
	case "RUNNING":
		return jobschema.WorkerRunning, true
	case "DEACTIVATING", "STOPPING", "STOPPED", "DEPROVISIONING", "DEPROVISIONED":
		return jobschema.WorkerStopped, true
	default:
		return "", false
	}
}

// ECSDriver is the production Driver backed by ECS (tasks) and EC2
// (subnet discovery).
type ECSDriver struct {
	ecs *ecs.Client
	ec2 *ec2.Client
}

func NewECSDriver(ctx context.Context, region string) (*ECSDriver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("containerdriver: load AWS config: %w", err)
	}
	return &ECSDriver{
		ecs: ecs.NewFromConfig(cfg),
		ec2: ec2.NewFromConfig(cfg),
	}, nil
}

func (d *ECSDriver) RunTask(ctx context.Context, in RunTaskInput) ([]string, error) {
	assignIP := ecstypes.AssignPublicIpDisabled
	if in.AssignPublicIP {
		assignIP = ecstypes.AssignPublicIpEnabled
	}

	out, err := d.ecs.RunTask(ctx, &ecs.RunTaskInput{
		Cluster:        aws.String(in.Cluster),
		TaskDefinition: aws.String(in.TaskDefinition),
		Count:          aws.Int32(1),
		LaunchType:     ecstypes.LaunchTypeFargate,
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        []string{in.Subnet},
				SecurityGroups: []string{in.SecurityGroup},
				AssignPublicIp: assignIP,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("containerdriver: run task: %w", err)
	}
	if len(out.Failures) > 0 {
		return nil, fmt.Errorf("containerdriver: run task failed: %s", aws.ToString(out.Failures[0].Reason))
	}

	ids := make([]string, 0, len(out.Tasks))
	for _, task := range out.Tasks {
		ids = append(ids, aws.ToString(task.TaskArn))
	}
	return ids, nil
}

func (d *ECSDriver) DescribeTasks(ctx context.Context, cluster string, taskIDs []string) ([]TaskStatus, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}

	out, err := d.ecs.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(cluster),
		Tasks:   taskIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("containerdriver: describe tasks: %w", err)
	}

	seen := make(map[string]bool, len(out.Tasks))
	statuses := make([]TaskStatus, 0, len(taskIDs))
	for _, task := range out.Tasks {
		arn := aws.ToString(task.TaskArn)
		seen[arn] = true
		statuses = append(statuses, TaskStatus{
			TaskID: arn,
			Status: aws.ToString(task.LastStatus),
		})
	}
	for _, failure := range out.Failures {
		arn := aws.ToString(failure.Arn)
		seen[arn] = true
		statuses = append(statuses, TaskStatus{TaskID: arn, Missing: true})
	}
	for _, id := range taskIDs {
		if !seen[id] {
			statuses = append(statuses, TaskStatus{TaskID: id, Missing: true})
		}
	}
	return statuses, nil
}

func (d *ECSDriver) PickPublicSubnet(ctx context.Context, vpcID string) (string, error) {
	out, err := d.ec2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []types.Filter{
			{Name: aws.String("vpc-id"), Values: []string{vpcID}},
			{Name: aws.String("map-public-ip-on-launch"), Values: []string{"true"}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("containerdriver: describe subnets: %w", err)
	}
	if len(out.Subnets) == 0 {
		return "", fmt.Errorf("containerdriver: no public subnet in VPC %s", vpcID)
	}

	chosen := out.Subnets[rand.Intn(len(out.Subnets))]
	return aws.ToString(chosen.SubnetId), nil
}
