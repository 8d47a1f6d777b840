package observe

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestNewResource(t *testing.T) {
	res, err := NewResource(ProviderConfig{
		ServiceVersion: "1.2.0",
		Transport:      "gemini-live,openai-realtime",
		Mode:           "dictation",
	})
	if err != nil {
		t.Fatalf("NewResource: %v", err)
	}

	want := map[attribute.Key]string{
		"service.name":        "deskvoice",
		"service.version":     "1.2.0",
		"deskvoice.transport": "gemini-live,openai-realtime",
		"deskvoice.mode":      "dictation",
	}
	set := res.Set()
	for key, val := range want {
		got, ok := set.Value(key)
		if !ok || got.AsString() != val {
			t.Errorf("%s = %q (present %v), want %q", key, got.AsString(), ok, val)
		}
	}
}

func TestNewResource_OmitsUnsetAttributes(t *testing.T) {
	res, err := NewResource(ProviderConfig{ServiceName: "deskvoice-test"})
	if err != nil {
		t.Fatalf("NewResource: %v", err)
	}
	set := res.Set()
	if v, _ := set.Value("service.name"); v.AsString() != "deskvoice-test" {
		t.Errorf("service.name = %q", v.AsString())
	}
	for _, key := range []attribute.Key{"deskvoice.transport", "deskvoice.mode"} {
		if _, ok := set.Value(key); ok {
			t.Errorf("%s set without a value", key)
		}
	}
}
