package secrets

import (
	"context"
	"errors"
	"testing"
)

type staticProvider map[string]string

func (staticProvider) Scheme() string { return "static" }

func (p staticProvider) Resolve(_ context.Context, ref string) (*Secret, error) {
	v, ok := p[ref[len("static://"):]]
	if !ok {
		return nil, ErrSecretNotFound
	}
	return &Secret{Value: v}, nil
}

func TestResolver_LiteralsPassThrough(t *testing.T) {
	r := NewResolver(EnvProvider{})
	for _, v := range []string{"", "plain", "postgres://u:p@db/x", "https://example.com"} {
		got, err := r.Expand(context.Background(), v)
		if err != nil || got != v {
			t.Errorf("Expand(%q) = %q, %v", v, got, err)
		}
	}
}

func TestResolver_Env(t *testing.T) {
	t.Setenv("TOOLEXEC_TEST_SECRET", "hunter2")
	r := NewResolver(EnvProvider{})

	got, err := r.Expand(context.Background(), "env://TOOLEXEC_TEST_SECRET")
	if err != nil || got != "hunter2" {
		t.Fatalf("got %q, %v", got, err)
	}
	if _, err := r.Expand(context.Background(), "env://TOOLEXEC_TEST_UNSET"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("unset: err = %v", err)
	}
	if _, err := r.Expand(context.Background(), "env://"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("empty name: err = %v", err)
	}
}

func TestResolver_ExpandAllAndMap(t *testing.T) {
	r := NewResolver(staticProvider{"a": "1", "b": "2"})
	x, y := "static://a", "literal"
	if err := r.ExpandAll(context.Background(), &x, nil, &y); err != nil {
		t.Fatal(err)
	}
	if x != "1" || y != "literal" {
		t.Errorf("x=%q y=%q", x, y)
	}

	m := map[string]string{"TOKEN": "static://b", "MODE": "fast"}
	if err := r.ExpandMap(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	if m["TOKEN"] != "2" || m["MODE"] != "fast" {
		t.Errorf("map = %v", m)
	}

	bad := map[string]string{"K": "static://missing"}
	if err := r.ExpandMap(context.Background(), bad); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("missing: err = %v", err)
	}
}

func TestResolver_Nil(t *testing.T) {
	var r *Resolver
	if r.IsReference("env://X") {
		t.Error("nil resolver claims a reference")
	}
}
