package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiff-io/skiff/internal/ir"
)

func load(t *testing.T, src string) (*ir.Config, error) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.hcl"), []byte(src), 0o644))
	return Load(dir)
}

func TestLoad_Resource(t *testing.T) {
	cfg, err := load(t, `
resource "aws_instance" "web" {
  ami           = "ami-123"
  instance_type = "t3.micro"
  tags          = { env = "prod" }
}
`)
	require.NoError(t, err)
	require.Len(t, cfg.Resources, 1)

	r := cfg.Resources[0]
	assert.Equal(t, "aws_instance", r.Type)
	assert.Equal(t, "web", r.Name)
	assert.Equal(t, "aws_instance.web", r.Addr())
	assert.Equal(t, "aws", r.Provider, "provider defaults to the type prefix")
	assert.Contains(t, r.Attrs, "ami")
	assert.Contains(t, r.Attrs, "instance_type")
	assert.Empty(t, r.Refs)
}

func TestLoad_ReferenceExtraction(t *testing.T) {
	cfg, err := load(t, `
variable "env" {
  default = "prod"
}

data "aws_ami" "base" {
  filter {
    name = "ubuntu-*"
  }
}

external "aws_security_group" "shared" {
  id = "sg-12345"
}

resource "aws_instance" "web" {
  ami    = data.aws_ami.base.id
  sg_ids = [external.aws_security_group.shared.id]
  env    = var.env
}

output "instance_id" {
  value = aws_instance.web.id
}
`)
	require.NoError(t, err)

	require.Len(t, cfg.Resources, 1)
	assert.Equal(t, []string{
		"data.aws_ami.base",
		"external.aws_security_group.shared",
		"var.env",
	}, cfg.Resources[0].Refs)

	require.Len(t, cfg.Outputs, 1)
	assert.Equal(t, []string{"aws_instance.web"}, cfg.Outputs[0].Refs)
}

func TestLoad_LookupBlock(t *testing.T) {
	cfg, err := load(t, `
data "aws_ami" "base" {
  most_recent = true
  filter {
    name  = "ubuntu-*"
    owner = "099720109477"
  }
}
`)
	require.NoError(t, err)
	require.Len(t, cfg.Lookups, 1)

	l := cfg.Lookups[0]
	assert.Equal(t, "data.aws_ami.base", l.Addr())
	assert.True(t, l.MostRecent)
	assert.Contains(t, l.Filter, "name")
	assert.Contains(t, l.Filter, "owner")
}

func TestLoad_LookupRequiresFilter(t *testing.T) {
	_, err := load(t, `
data "aws_ami" "base" {
}
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "filter")
}

func TestLoad_DependsOn(t *testing.T) {
	cfg, err := load(t, `
resource "aws_instance" "db" {
  ami = "ami-123"
}

resource "aws_instance" "web" {
  ami        = "ami-123"
  depends_on = [aws_instance.db]
}
`)
	require.NoError(t, err)
	require.Len(t, cfg.Resources, 2)

	var web *ir.Resource
	for _, r := range cfg.Resources {
		if r.Name == "web" {
			web = r
		}
	}
	require.NotNil(t, web)
	assert.Equal(t, []string{"aws_instance.db"}, web.DependsOn)
	assert.NotContains(t, web.Attrs, "depends_on")
}

func TestLoad_ProviderOverride(t *testing.T) {
	cfg, err := load(t, `
resource "aws_instance" "web" {
  ami      = "ami-123"
  provider = "mem"
}
`)
	require.NoError(t, err)
	assert.Equal(t, "mem", cfg.Resources[0].Provider)
	assert.NotContains(t, cfg.Resources[0].Attrs, "provider")
}

func TestLoad_Backend(t *testing.T) {
	cfg, err := load(t, `
backend "s3" {
  bucket = "my-state"
  region = "eu-west-1"
}

resource "aws_instance" "web" {
  ami = "ami-123"
}
`)
	require.NoError(t, err)
	require.NotNil(t, cfg.Backend)
	assert.Equal(t, "s3", cfg.Backend.Type)
	assert.Equal(t, "my-state", cfg.Backend.Config["bucket"])
	assert.Equal(t, "eu-west-1", cfg.Backend.Config["region"])
}

func TestLoad_DuplicateAddressRejected(t *testing.T) {
	_, err := load(t, `
resource "aws_instance" "web" {
  ami = "ami-1"
}

resource "aws_instance" "web" {
  ami = "ami-2"
}
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aws_instance.web")
	assert.Contains(t, err.Error(), "declared twice")
}

func TestLoad_VariablesAndOutputs(t *testing.T) {
	cfg, err := load(t, `
variable "size" {
  default = "small"
}

variable "name" {}

output "greeting" {
  value = var.name
}
`)
	require.NoError(t, err)
	require.Len(t, cfg.Variables, 2)

	byName := map[string]*ir.Variable{}
	for _, v := range cfg.Variables {
		byName[v.Name] = v
	}
	assert.NotNil(t, byName["size"].Default)
	assert.Nil(t, byName["name"].Default)

	require.Len(t, cfg.Outputs, 1)
	assert.Equal(t, []string{"var.name"}, cfg.Outputs[0].Refs)
}

func TestLoad_MergesMultipleFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.hcl"), []byte(`
resource "aws_instance" "web" {
  ami = "ami-1"
}
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.hcl"), []byte(`
resource "aws_instance" "db" {
  ami = "ami-2"
}
`), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Len(t, cfg.Resources, 2)
}

func TestLoad_NoFiles(t *testing.T) {
	_, err := Load(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no configuration files")
}
