package orgcontext

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	obscontext "github.com/smallbiznis/waingest/internal/observability/context"
)

func TestWithOrgID(t *testing.T) {
	ctx := WithOrgID(context.Background(), snowflake.ID(77))

	got, ok := OrgIDFromContext(ctx)
	if !ok || got != 77 {
		t.Fatalf("expected org 77, got %v (ok=%v)", got, ok)
	}
	if obscontext.OrgIDFromContext(ctx) != "77" {
		t.Fatalf("expected org id mirrored for logging")
	}

	if _, ok := OrgIDFromContext(context.Background()); ok {
		t.Fatalf("expected no org on empty context")
	}
}
