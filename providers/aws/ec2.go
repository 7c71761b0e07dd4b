package aws

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/skiff-io/skiff/pkg/provider"
)

const instanceWaitTimeout = 5 * time.Minute

// notFound reports whether err is an AWS not-found error for the EC2 API
// shapes this provider touches.
func notFound(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	code := ae.ErrorCode()
	return code == "InvalidInstanceID.NotFound" ||
		code == "InvalidGroup.NotFound" ||
		code == "InvalidGroupId.NotFound" ||
		code == "InvalidKeyPair.NotFound" ||
		code == "InvalidAMIID.NotFound"
}

// ec2Filters converts a generic filter map into EC2 API filters. Known
// top-level attributes map onto their native filter names; anything else is
// treated as a tag match.
func ec2Filters(filter map[string]any, native map[string]string) []types.Filter {
	var filters []types.Filter
	for name, value := range filter {
		s, ok := value.(string)
		if !ok {
			continue
		}
		filterName, ok := native[name]
		if !ok {
			filterName = "tag:" + name
		}
		filters = append(filters, types.Filter{
			Name:   &filterName,
			Values: []string{s},
		})
	}
	return filters
}

// Instances

func (p *Provider) createInstance(ctx context.Context, attrs map[string]any) (string, map[string]any, error) {
	ami := attrString(attrs, "ami")
	instanceType := attrString(attrs, "instance_type")
	if ami == "" || instanceType == "" {
		return "", nil, fmt.Errorf("aws_instance requires ami and instance_type")
	}

	input := &ec2.RunInstancesInput{
		ImageId:      &ami,
		InstanceType: types.InstanceType(instanceType),
		MinCount:     func(i int32) *int32 { return &i }(1),
		MaxCount:     func(i int32) *int32 { return &i }(1),
	}
	if subnet := attrString(attrs, "subnet_id"); subnet != "" {
		input.SubnetId = &subnet
	}
	if keyName := attrString(attrs, "key_name"); keyName != "" {
		input.KeyName = &keyName
	}
	if userData := attrString(attrs, "user_data"); userData != "" {
		input.UserData = &userData
	}
	if sgs := attrStringSlice(attrs, "security_group_ids"); len(sgs) > 0 {
		input.SecurityGroupIds = sgs
	}
	if tags := attrStringMap(attrs, "tags"); len(tags) > 0 {
		input.TagSpecifications = []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         toEC2Tags(tags),
		}}
	}

	resp, err := p.ec2Client.RunInstances(ctx, input)
	if err != nil {
		return "", nil, fmt.Errorf("failed to run instance: %w", err)
	}
	if len(resp.Instances) == 0 {
		return "", nil, fmt.Errorf("no instances created")
	}
	id := *resp.Instances[0].InstanceId

	waiter := ec2.NewInstanceRunningWaiter(p.ec2Client)
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	}, instanceWaitTimeout); err != nil {
		return id, nil, fmt.Errorf("instance %s did not reach running: %w", id, err)
	}

	out, _, err := p.readInstance(ctx, id)
	if err != nil {
		return id, nil, err
	}
	return id, out, nil
}

func (p *Provider) readInstance(ctx context.Context, id string) (map[string]any, bool, error) {
	resp, err := p.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		if notFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to describe instance: %w", err)
	}
	if len(resp.Reservations) == 0 || len(resp.Reservations[0].Instances) == 0 {
		return nil, false, nil
	}
	instance := resp.Reservations[0].Instances[0]
	if instance.State.Name == types.InstanceStateNameTerminated {
		return nil, false, nil
	}
	return instanceAttrs(instance), true, nil
}

func (p *Provider) updateInstance(ctx context.Context, id string, attrs map[string]any) (map[string]any, error) {
	if tags := attrStringMap(attrs, "tags"); len(tags) > 0 {
		_, err := p.ec2Client.CreateTags(ctx, &ec2.CreateTagsInput{
			Resources: []string{id},
			Tags:      toEC2Tags(tags),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to update tags: %w", err)
		}
	}
	if sgs := attrStringSlice(attrs, "security_group_ids"); len(sgs) > 0 {
		_, err := p.ec2Client.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
			InstanceId: &id,
			Groups:     sgs,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to update security groups: %w", err)
		}
	}

	out, exists, err := p.readInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("instance %s vanished during update", id)
	}
	return out, nil
}

func (p *Provider) destroyInstance(ctx context.Context, id string) error {
	_, err := p.ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		if notFound(err) {
			return nil
		}
		return fmt.Errorf("failed to terminate instance: %w", err)
	}

	waiter := ec2.NewInstanceTerminatedWaiter(p.ec2Client)
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	}, instanceWaitTimeout); err != nil {
		return fmt.Errorf("instance %s did not terminate: %w", id, err)
	}
	return nil
}

var instanceFilterNames = map[string]string{
	"instance_type": "instance-type",
	"subnet_id":     "subnet-id",
	"vpc_id":        "vpc-id",
	"ami":           "image-id",
	"state":         "instance-state-name",
}

func (p *Provider) lookupInstance(ctx context.Context, filter map[string]any) ([]provider.Candidate, error) {
	resp, err := p.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: ec2Filters(filter, instanceFilterNames),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe instances: %w", err)
	}

	var candidates []provider.Candidate
	for _, reservation := range resp.Reservations {
		for _, instance := range reservation.Instances {
			if instance.State.Name == types.InstanceStateNameTerminated {
				continue
			}
			c := provider.Candidate{
				ID:    *instance.InstanceId,
				Attrs: instanceAttrs(instance),
			}
			if instance.LaunchTime != nil {
				c.CreatedAt = *instance.LaunchTime
			}
			candidates = append(candidates, c)
		}
	}
	return candidates, nil
}

func instanceAttrs(instance types.Instance) map[string]any {
	attrs := map[string]any{
		"ami":           strOr(instance.ImageId),
		"instance_type": string(instance.InstanceType),
		"state":         string(instance.State.Name),
	}
	if instance.SubnetId != nil {
		attrs["subnet_id"] = *instance.SubnetId
	}
	if instance.KeyName != nil {
		attrs["key_name"] = *instance.KeyName
	}
	if instance.PublicIpAddress != nil {
		attrs["public_ip"] = *instance.PublicIpAddress
	}
	if instance.PrivateIpAddress != nil {
		attrs["private_ip"] = *instance.PrivateIpAddress
	}
	if len(instance.SecurityGroups) > 0 {
		ids := make([]any, 0, len(instance.SecurityGroups))
		for _, sg := range instance.SecurityGroups {
			ids = append(ids, strOr(sg.GroupId))
		}
		attrs["security_group_ids"] = ids
	}
	if len(instance.Tags) > 0 {
		attrs["tags"] = fromEC2Tags(instance.Tags)
	}
	return attrs
}

// Security groups

func (p *Provider) createSecurityGroup(ctx context.Context, attrs map[string]any) (string, map[string]any, error) {
	name := attrString(attrs, "name")
	if name == "" {
		return "", nil, fmt.Errorf("aws_security_group requires name")
	}
	description := attrString(attrs, "description")
	if description == "" {
		description = "managed by skiff"
	}

	input := &ec2.CreateSecurityGroupInput{
		GroupName:   &name,
		Description: &description,
	}
	if vpc := attrString(attrs, "vpc_id"); vpc != "" {
		input.VpcId = &vpc
	}
	if tags := attrStringMap(attrs, "tags"); len(tags) > 0 {
		input.TagSpecifications = []types.TagSpecification{{
			ResourceType: types.ResourceTypeSecurityGroup,
			Tags:         toEC2Tags(tags),
		}}
	}

	resp, err := p.ec2Client.CreateSecurityGroup(ctx, input)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create security group: %w", err)
	}
	id := *resp.GroupId

	out, _, err := p.readSecurityGroup(ctx, id)
	if err != nil {
		return id, nil, err
	}
	return id, out, nil
}

func (p *Provider) readSecurityGroup(ctx context.Context, id string) (map[string]any, bool, error) {
	resp, err := p.ec2Client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		GroupIds: []string{id},
	})
	if err != nil {
		if notFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to describe security group: %w", err)
	}
	if len(resp.SecurityGroups) == 0 {
		return nil, false, nil
	}
	return securityGroupAttrs(resp.SecurityGroups[0]), true, nil
}

func (p *Provider) updateSecurityGroup(ctx context.Context, id string, attrs map[string]any) (map[string]any, error) {
	if tags := attrStringMap(attrs, "tags"); len(tags) > 0 {
		_, err := p.ec2Client.CreateTags(ctx, &ec2.CreateTagsInput{
			Resources: []string{id},
			Tags:      toEC2Tags(tags),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to update tags: %w", err)
		}
	}

	out, exists, err := p.readSecurityGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("security group %s vanished during update", id)
	}
	return out, nil
}

func (p *Provider) destroySecurityGroup(ctx context.Context, id string) error {
	_, err := p.ec2Client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
		GroupId: &id,
	})
	if err != nil && !notFound(err) {
		return fmt.Errorf("failed to delete security group: %w", err)
	}
	return nil
}

var securityGroupFilterNames = map[string]string{
	"name":   "group-name",
	"vpc_id": "vpc-id",
}

func (p *Provider) lookupSecurityGroup(ctx context.Context, filter map[string]any) ([]provider.Candidate, error) {
	resp, err := p.ec2Client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: ec2Filters(filter, securityGroupFilterNames),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe security groups: %w", err)
	}

	candidates := make([]provider.Candidate, 0, len(resp.SecurityGroups))
	for _, sg := range resp.SecurityGroups {
		candidates = append(candidates, provider.Candidate{
			ID:    strOr(sg.GroupId),
			Attrs: securityGroupAttrs(sg),
		})
	}
	return candidates, nil
}

func securityGroupAttrs(sg types.SecurityGroup) map[string]any {
	attrs := map[string]any{
		"name":        strOr(sg.GroupName),
		"description": strOr(sg.Description),
		"owner_id":    strOr(sg.OwnerId),
	}
	if sg.VpcId != nil {
		attrs["vpc_id"] = *sg.VpcId
	}
	if len(sg.Tags) > 0 {
		attrs["tags"] = fromEC2Tags(sg.Tags)
	}
	return attrs
}

// Key pairs

func (p *Provider) createKeyPair(ctx context.Context, attrs map[string]any) (string, map[string]any, error) {
	name := attrString(attrs, "name")
	if name == "" {
		return "", nil, fmt.Errorf("aws_key_pair requires name")
	}

	if publicKey := attrString(attrs, "public_key"); publicKey != "" {
		resp, err := p.ec2Client.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
			KeyName:           &name,
			PublicKeyMaterial: []byte(publicKey),
		})
		if err != nil {
			return "", nil, fmt.Errorf("failed to import key pair: %w", err)
		}
		return *resp.KeyName, map[string]any{
			"name":        *resp.KeyName,
			"fingerprint": strOr(resp.KeyFingerprint),
		}, nil
	}

	resp, err := p.ec2Client.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName: &name,
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to create key pair: %w", err)
	}
	return *resp.KeyName, map[string]any{
		"name":        *resp.KeyName,
		"fingerprint": strOr(resp.KeyFingerprint),
	}, nil
}

func (p *Provider) readKeyPair(ctx context.Context, name string) (map[string]any, bool, error) {
	resp, err := p.ec2Client.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{
		KeyNames: []string{name},
	})
	if err != nil {
		if notFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to describe key pair: %w", err)
	}
	if len(resp.KeyPairs) == 0 {
		return nil, false, nil
	}
	kp := resp.KeyPairs[0]
	return map[string]any{
		"name":        strOr(kp.KeyName),
		"fingerprint": strOr(kp.KeyFingerprint),
	}, true, nil
}

func (p *Provider) destroyKeyPair(ctx context.Context, name string) error {
	_, err := p.ec2Client.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{
		KeyName: &name,
	})
	if err != nil && !notFound(err) {
		return fmt.Errorf("failed to delete key pair: %w", err)
	}
	return nil
}

// AMIs

var amiFilterNames = map[string]string{
	"name":         "name",
	"architecture": "architecture",
	"state":        "state",
}

func (p *Provider) lookupAMI(ctx context.Context, filter map[string]any) ([]provider.Candidate, error) {
	input := &ec2.DescribeImagesInput{}
	apiFilter := make(map[string]any, len(filter))
	for name, value := range filter {
		// The owner constraint is a request parameter, not a filter.
		if name == "owner" {
			if s, ok := value.(string); ok {
				input.Owners = []string{s}
			}
			continue
		}
		apiFilter[name] = value
	}
	input.Filters = ec2Filters(apiFilter, amiFilterNames)

	resp, err := p.ec2Client.DescribeImages(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to describe images: %w", err)
	}

	candidates := make([]provider.Candidate, 0, len(resp.Images))
	for _, image := range resp.Images {
		c := provider.Candidate{
			ID:    strOr(image.ImageId),
			Attrs: amiAttrs(image),
		}
		if image.CreationDate != nil {
			if t, err := time.Parse(time.RFC3339, *image.CreationDate); err == nil {
				c.CreatedAt = t
			}
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

func (p *Provider) readAMI(ctx context.Context, id string) (map[string]any, bool, error) {
	resp, err := p.ec2Client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		ImageIds: []string{id},
	})
	if err != nil {
		if notFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to describe image: %w", err)
	}
	if len(resp.Images) == 0 {
		return nil, false, nil
	}
	return amiAttrs(resp.Images[0]), true, nil
}

func amiAttrs(image types.Image) map[string]any {
	return map[string]any{
		"name":         strOr(image.Name),
		"owner":        strOr(image.OwnerId),
		"architecture": string(image.Architecture),
	}
}

func toEC2Tags(tags map[string]string) []types.Tag {
	out := make([]types.Tag, 0, len(tags))
	for k, v := range tags {
		key, value := k, v
		out = append(out, types.Tag{Key: &key, Value: &value})
	}
	return out
}

func fromEC2Tags(tags []types.Tag) map[string]any {
	out := make(map[string]any, len(tags))
	for _, tag := range tags {
		if tag.Key == nil {
			continue
		}
		out[strings.TrimSpace(*tag.Key)] = strOr(tag.Value)
	}
	return out
}

func strOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
