// Package aws implements the provider boundary on top of the AWS SDK. The
// supported surface is EC2: instances, security groups, key pairs, and AMI
// lookups.
package aws

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"

	"github.com/skiff-io/skiff/pkg/provider"
)

type Provider struct {
	ec2Client *ec2.Client
}

// New loads the default AWS configuration chain. The region comes from
// AWS_REGION and falls back to us-east-1.
func New(ctx context.Context) (*Provider, error) {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return &Provider{ec2Client: ec2.NewFromConfig(cfg)}, nil
}

func (p *Provider) Name() string { return "aws" }

var schemas = map[string]*provider.Schema{
	"aws_instance": {
		Attributes: map[string]provider.AttrSchema{
			"ami":                {ForcesReplacement: true},
			"instance_type":      {ForcesReplacement: true},
			"subnet_id":          {ForcesReplacement: true},
			"user_data":          {ForcesReplacement: true},
			"key_name":           {ForcesReplacement: true},
			"security_group_ids": {},
			"tags":               {},
			"public_ip":          {Computed: true},
			"private_ip":         {Computed: true},
			"state":              {Computed: true},
		},
	},
	"aws_security_group": {
		Attributes: map[string]provider.AttrSchema{
			"name":        {ForcesReplacement: true},
			"description": {ForcesReplacement: true},
			"vpc_id":      {ForcesReplacement: true},
			"tags":        {},
			"owner_id":    {Computed: true},
		},
	},
	"aws_key_pair": {
		Attributes: map[string]provider.AttrSchema{
			"name":        {ForcesReplacement: true},
			"public_key":  {ForcesReplacement: true},
			"fingerprint": {Computed: true},
		},
	},
	"aws_ami": {
		Attributes: map[string]provider.AttrSchema{
			"name":         {Computed: true},
			"owner":        {Computed: true},
			"architecture": {Computed: true},
		},
	},
}

func (p *Provider) Schema(typ string) (*provider.Schema, error) {
	schema, ok := schemas[typ]
	if !ok {
		return nil, fmt.Errorf("unsupported resource type %q", typ)
	}
	return schema, nil
}

func (p *Provider) Lookup(ctx context.Context, typ string, filter map[string]any) ([]provider.Candidate, error) {
	switch typ {
	case "aws_ami":
		return p.lookupAMI(ctx, filter)
	case "aws_instance":
		return p.lookupInstance(ctx, filter)
	case "aws_security_group":
		return p.lookupSecurityGroup(ctx, filter)
	default:
		return nil, fmt.Errorf("type %q does not support lookups", typ)
	}
}

func (p *Provider) Read(ctx context.Context, typ, id string) (map[string]any, bool, error) {
	switch typ {
	case "aws_instance":
		return p.readInstance(ctx, id)
	case "aws_security_group":
		return p.readSecurityGroup(ctx, id)
	case "aws_key_pair":
		return p.readKeyPair(ctx, id)
	case "aws_ami":
		return p.readAMI(ctx, id)
	default:
		return nil, false, fmt.Errorf("unsupported resource type %q", typ)
	}
}

func (p *Provider) Create(ctx context.Context, typ string, attrs map[string]any) (string, map[string]any, error) {
	switch typ {
	case "aws_instance":
		return p.createInstance(ctx, attrs)
	case "aws_security_group":
		return p.createSecurityGroup(ctx, attrs)
	case "aws_key_pair":
		return p.createKeyPair(ctx, attrs)
	default:
		return "", nil, fmt.Errorf("type %q cannot be created", typ)
	}
}

func (p *Provider) Update(ctx context.Context, typ, id string, attrs map[string]any) (map[string]any, error) {
	switch typ {
	case "aws_instance":
		return p.updateInstance(ctx, id, attrs)
	case "aws_security_group":
		return p.updateSecurityGroup(ctx, id, attrs)
	default:
		return nil, fmt.Errorf("type %q cannot be updated in place", typ)
	}
}

func (p *Provider) Destroy(ctx context.Context, typ, id string) error {
	switch typ {
	case "aws_instance":
		return p.destroyInstance(ctx, id)
	case "aws_security_group":
		return p.destroySecurityGroup(ctx, id)
	case "aws_key_pair":
		return p.destroyKeyPair(ctx, id)
	default:
		return fmt.Errorf("type %q cannot be destroyed", typ)
	}
}

// attrString reads an attribute as a string, tolerating absence.
func attrString(attrs map[string]any, name string) string {
	if v, ok := attrs[name].(string); ok {
		return v
	}
	return ""
}

func attrStringSlice(attrs map[string]any, name string) []string {
	raw, ok := attrs[name].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func attrStringMap(attrs map[string]any, name string) map[string]string {
	raw, ok := attrs[name].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
