package config_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/livevox/internal/config"
	"github.com/MrWong99/livevox/pkg/transport"
	transportmock "github.com/MrWong99/livevox/pkg/transport/mock"
)

func TestRegistry_CreateRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var got config.TransportEntry
	reg.Register("fake", func(e config.TransportEntry) (transport.Provider, error) {
		got = e
		return &transportmock.Provider{ProviderName: "fake"}, nil
	})

	p, err := reg.Create(config.TransportEntry{Name: "fake", APIKey: "k", Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "fake" {
		t.Errorf("name: got %q", p.Name())
	}
	if got.APIKey != "k" || got.Model != "m" {
		t.Errorf("factory received %+v", got)
	}
	if _, err := p.Connect(context.Background(), "m", transport.Config{}); err != nil {
		t.Errorf("connect: %v", err)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	_, err := config.NewRegistry().Create(config.TransportEntry{Name: "missing"})
	if !errors.Is(err, config.ErrTransportNotRegistered) {
		t.Fatalf("got %v, want ErrTransportNotRegistered", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("no key")
	reg.Register("bad", func(config.TransportEntry) (transport.Provider, error) { return nil, boom })

	_, err := reg.Create(config.TransportEntry{Name: "bad"})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want wrapped factory error", err)
	}
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	factory := func(config.TransportEntry) (transport.Provider, error) { return nil, nil }
	reg.Register("b", factory)
	reg.Register("a", factory)
	reg.Register("b", factory)

	if got := reg.Names(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("names: got %v", got)
	}
}

func TestEnumValidity(t *testing.T) {
	t.Parallel()
	if config.LogLevel("trace").IsValid() || !config.LogWarn.IsValid() {
		t.Error("LogLevel.IsValid")
	}
	if config.LogFormat("xml").IsValid() || !config.LogFormatJSON.IsValid() {
		t.Error("LogFormat.IsValid")
	}
	if config.InputKind("alsa").IsValid() || !config.InputReader.IsValid() {
		t.Error("InputKind.IsValid")
	}
	if config.OutputKind("hdmi").IsValid() || !config.OutputDiscard.IsValid() {
		t.Error("OutputKind.IsValid")
	}
}
