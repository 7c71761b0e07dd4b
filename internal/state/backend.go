package state

import (
	"context"
	"fmt"

	"github.com/skiff-io/skiff/internal/ir"
)

// NewStore creates a state store from backend settings. With no backend
// block, state lives in a local file at defaultPath.
func NewStore(ctx context.Context, settings *ir.BackendSettings, defaultPath string) (Store, error) {
	if settings == nil {
		return NewFileStore(defaultPath), nil
	}

	switch settings.Type {
	case "", "local":
		path := settings.Config["path"]
		if path == "" {
			path = defaultPath
		}
		return NewFileStore(path), nil
	case "s3":
		return NewS3Store(ctx, settings.Config)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", settings.Type)
	}
}
