package principal

import (
	"context"
	"testing"

	"datamarket/pkg/domain"
)

func TestPrincipalRoundTrip(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("empty context must not carry a principal")
	}
	p := Principal{User: domain.User{ID: "user-1", Role: domain.RoleUser}}
	got, ok := FromContext(WithPrincipal(context.Background(), p))
	if !ok || got.ID() != "user-1" || got.Admin {
		t.Fatalf("unexpected principal: %+v ok=%v", got, ok)
	}
}
