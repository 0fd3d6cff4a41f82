package tracing

import (
	"context"
	"testing"
)

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitRequiresEndpoint(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, ServiceName: "api"}); err == nil {
		t.Fatalf("expected error without endpoint")
	}
}

func TestInitRejectsEndpointWithoutHost(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, ServiceName: "api", Endpoint: "http://"}); err == nil {
		t.Fatalf("expected error for endpoint without host")
	}
}
