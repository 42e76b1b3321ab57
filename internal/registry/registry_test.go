package registry

import (
	"errors"
	"testing"

	"github.com/squall-dispatch/squall/internal/config"
	"github.com/squall-dispatch/squall/pkg/models"
)

func noEnv(string) (string, bool)    { return "", false }
func allEnv(string) (string, bool)   { return "set", true }
func noExec(string) (string, error)  { return "", errors.New("not found") }
func allExec(string) (string, error) { return "/usr/bin/mock", nil }

func TestNewMarksProvidersUnavailableWithoutCredentials(t *testing.T) {
	r := New(WithLookupEnv(noEnv), WithLookPath(noExec))
	m, ok := r.Get("gpt-5")
	if !ok {
		t.Fatal("gpt-5 should exist in the built-in catalog")
	}
	p, ok := r.Provider(m.Provider)
	if !ok {
		t.Fatal("provider entry missing")
	}
	if p.Available {
		t.Error("provider should be unavailable with no credentials set")
	}
	if p.UnavailableReason == "" {
		t.Error("expected a non-empty UnavailableReason")
	}
}

func TestNewMarksProvidersAvailableWithCredentials(t *testing.T) {
	r := New(WithLookupEnv(allEnv), WithLookPath(allExec))
	available := r.Available()
	if len(available) == 0 {
		t.Fatal("expected at least one available model with all credentials set")
	}
	for _, m := range available {
		if _, ok := r.Get(m.Key); !ok {
			t.Errorf("Available() returned %q which is missing from Get()", m.Key)
		}
	}
}

func TestListIsSortedByKey(t *testing.T) {
	r := New(WithLookupEnv(noEnv), WithLookPath(noExec))
	list := r.List()
	for i := 1; i < len(list); i++ {
		if list[i-1].Key > list[i].Key {
			t.Fatalf("List() not sorted: %q before %q", list[i-1].Key, list[i].Key)
		}
	}
}

func TestResolveExactKey(t *testing.T) {
	r := New(WithLookupEnv(noEnv), WithLookPath(noExec))
	m, ok, _ := r.Resolve("gpt-5")
	if !ok || m.Key != "gpt-5" {
		t.Errorf("Resolve(gpt-5) = %+v, %v, want an exact match", m, ok)
	}
}

func TestResolveCaseInsensitive(t *testing.T) {
	r := New(WithLookupEnv(noEnv), WithLookPath(noExec))
	m, ok, _ := r.Resolve("GPT-5")
	if !ok || m.Key != "gpt-5" {
		t.Errorf("Resolve(GPT-5) = %+v, %v, want a case-insensitive match", m, ok)
	}
}

func TestResolveByNativeID(t *testing.T) {
	r := New(WithLookupEnv(noEnv), WithLookPath(noExec))
	m, ok, _ := r.Resolve("claude-opus-4-5")
	if !ok || m.Key != "claude" {
		t.Errorf("Resolve(native id) = %+v, %v, want key=claude", m, ok)
	}
}

func TestResolveUnknownSuggestsClosest(t *testing.T) {
	r := New(WithLookupEnv(noEnv), WithLookPath(noExec))
	_, ok, suggestion := r.Resolve("gpt-55")
	if ok {
		t.Fatal("Resolve(gpt-55) should not match exactly")
	}
	if suggestion != "gpt-5" {
		t.Errorf("suggestion = %q, want gpt-5", suggestion)
	}
}

func TestNativeIDToKeyRoundTrips(t *testing.T) {
	r := New(WithLookupEnv(noEnv), WithLookPath(noExec))
	idToKey := r.NativeIDToKey()
	if idToKey["gpt-5"] != "gpt-5" {
		t.Errorf("idToKey[gpt-5] = %q, want gpt-5", idToKey["gpt-5"])
	}
	if idToKey["claude-opus-4-5"] != "claude" {
		t.Errorf("idToKey[claude-opus-4-5] = %q, want claude", idToKey["claude-opus-4-5"])
	}
}

func TestOverlayCanRemoveBuiltinModel(t *testing.T) {
	overlay := config.Overlay{Models: map[string]config.ModelOverlay{
		"gpt-5": {Remove: true},
	}}
	r := New(WithLookupEnv(noEnv), WithLookPath(noExec), WithOverlay(overlay))
	if _, ok := r.Get("gpt-5"); ok {
		t.Error("gpt-5 should have been removed by the overlay")
	}
}

func TestOverlayCanAddNewModel(t *testing.T) {
	overlay := config.Overlay{Models: map[string]config.ModelOverlay{
		"custom-model": {
			Provider: "custom", Backend: "http", NativeID: "custom-v1",
			APIKeyEnv: "CUSTOM_API_KEY", BaseURL: "https://example.test/v1",
		},
	}}
	r := New(WithLookupEnv(noEnv), WithLookPath(noExec), WithOverlay(overlay))
	m, ok := r.Get("custom-model")
	if !ok {
		t.Fatal("custom-model should exist after overlay")
	}
	if m.Backend != models.BackendHTTP || m.Provider != "custom" {
		t.Errorf("custom-model = %+v, want backend=http provider=custom", m)
	}
}

func TestOverlayCanOverrideExistingField(t *testing.T) {
	overlay := config.Overlay{Models: map[string]config.ModelOverlay{
		"gpt-5": {Description: "overridden description"},
	}}
	r := New(WithLookupEnv(noEnv), WithLookPath(noExec), WithOverlay(overlay))
	m, ok := r.Get("gpt-5")
	if !ok || m.Description != "overridden description" {
		t.Errorf("gpt-5 description = %q, want overridden description", m.Description)
	}
	if m.Provider != "openai" {
		t.Errorf("gpt-5 provider = %q, want unaffected openai", m.Provider)
	}
}
