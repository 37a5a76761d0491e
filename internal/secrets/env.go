package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvProvider reads "env://NAME" references from the process environment.
// A variable that is set but empty counts as missing.
type EnvProvider struct{}

func (EnvProvider) Scheme() string { return "env" }

func (EnvProvider) Resolve(_ context.Context, ref string) (*Secret, error) {
	name := strings.TrimPrefix(ref, "env://")
	if name == "" || name == ref {
		return nil, fmt.Errorf("%w: malformed env reference %q", ErrSecretNotFound, ref)
	}
	v := os.Getenv(name)
	if v == "" {
		return nil, fmt.Errorf("%w: environment variable %s is not set", ErrSecretNotFound, name)
	}
	return &Secret{Value: v, Metadata: map[string]string{"source": "env", "name": name}}, nil
}
